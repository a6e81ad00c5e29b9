package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"

	"github.com/zhouzirui/compliance-galaxy/client/internal/apiclient"
	"github.com/zhouzirui/compliance-galaxy/client/internal/app"
	"github.com/zhouzirui/compliance-galaxy/client/internal/model/auth"
	"github.com/zhouzirui/compliance-galaxy/client/internal/model/chat"
	"github.com/zhouzirui/compliance-galaxy/client/internal/model/document"
	"github.com/zhouzirui/compliance-galaxy/client/internal/model/ident"
	chatService "github.com/zhouzirui/compliance-galaxy/client/internal/service/chat"
	"github.com/zhouzirui/compliance-galaxy/client/internal/service/upload"
	"github.com/zhouzirui/compliance-galaxy/client/internal/service/watch"
)

var (
	errUsage = errors.New("invalid arguments, run galaxyctl -h")

	heading = color.New(color.FgCyan, color.Bold)
	success = color.New(color.FgGreen)
	warning = color.New(color.FgYellow)
	failure = color.New(color.FgRed)
	muted   = color.New(color.Faint)
)

type command func(ctx context.Context, a *app.App, out io.Writer, args []string) error

var commands = map[string]command{
	"login":    cmdLogin,
	"register": cmdRegister,
	"logout":   cmdLogout,
	"whoami":   cmdWhoami,
	"sessions": cmdSessions,
	"show":     cmdShow,
	"send":     cmdSend,
	"upload":   cmdUpload,
	"docs":     cmdDocs,
	"rm":       cmdRemove,
	"set-type": cmdSetType,
	"reset":    cmdReset,
	"assess":   cmdAssess,
	"report":   cmdReport,
	"watch":    cmdWatch,
}

func run(ctx context.Context, a *app.App, out io.Writer, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q: %w", args[0], errUsage)
	}
	return cmd(ctx, a, out, args[1:])
}

func printError(w io.Writer, err error) {
	failure.Fprintf(w, "✗ %s\n", apiclient.DetailOf(err))
}

func credentialFlags(name string, args []string) (auth.Credentials, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	email := fs.String("email", "", "邮箱")
	password := fs.String("password", os.Getenv("GALAXY_PASSWORD"), "密码 (默认读取 GALAXY_PASSWORD)")
	if err := fs.Parse(args); err != nil {
		return auth.Credentials{}, err
	}
	return auth.Credentials{Email: *email, Password: *password}, nil
}

func cmdLogin(ctx context.Context, a *app.App, out io.Writer, args []string) error {
	creds, err := credentialFlags("login", args)
	if err != nil {
		return err
	}
	user, err := a.Auth.Login(ctx, creds)
	if err != nil {
		return err
	}
	success.Fprintf(out, "✓ signed in as %s\n", user.Email)
	return nil
}

func cmdRegister(ctx context.Context, a *app.App, out io.Writer, args []string) error {
	creds, err := credentialFlags("register", args)
	if err != nil {
		return err
	}
	user, err := a.Auth.Register(ctx, creds)
	if err != nil {
		return err
	}
	success.Fprintf(out, "✓ registered and signed in as %s\n", user.Email)
	return nil
}

func cmdLogout(ctx context.Context, a *app.App, out io.Writer, _ []string) error {
	a.Auth.Logout(ctx)
	success.Fprintln(out, "✓ signed out")
	return nil
}

func cmdWhoami(_ context.Context, a *app.App, out io.Writer, _ []string) error {
	user, ok := a.Auth.User()
	if !ok {
		warning.Fprintln(out, "not signed in (chats are kept on this machine only)")
		return nil
	}
	fmt.Fprintf(out, "%s (id %s)\n", user.Email, user.ID)
	return nil
}

func cmdSessions(_ context.Context, a *app.App, out io.Writer, _ []string) error {
	sessions := a.Sessions.List()
	if len(sessions) == 0 {
		muted.Fprintln(out, "no sessions yet")
		return nil
	}
	active := a.Chat.State()
	for _, s := range sessions {
		marker := " "
		if active.Active && active.SessionID == s.ID {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %-8s %-42s %d messages\n", marker, s.ID, s.DisplayTitle(), len(s.Messages))
	}
	return nil
}

func cmdShow(ctx context.Context, a *app.App, out io.Writer, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	if err := a.Chat.SelectSession(ctx, ident.ID(args[0])); err != nil {
		return err
	}
	session, err := a.Sessions.Get(ident.ID(args[0]))
	if err != nil {
		return err
	}
	heading.Fprintln(out, session.DisplayTitle())
	for _, e := range a.Chat.Transcript() {
		printEntry(out, e)
	}
	return nil
}

func cmdSend(ctx context.Context, a *app.App, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	sessionID := fs.String("session", "", "继续指定会话")
	if err := fs.Parse(args); err != nil {
		return err
	}
	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		return errUsage
	}

	if *sessionID != "" {
		if err := a.Chat.SelectSession(ctx, ident.ID(*sessionID)); err != nil {
			return err
		}
	} else {
		a.Chat.NewSession(ctx)
	}

	result, err := a.Chat.Send(ctx, text)
	if result.User.Content != "" {
		printEntry(out, result.Reply)
		muted.Fprintf(out, "session %s\n", result.SessionID)
	}
	return err
}

func printEntry(out io.Writer, e chatService.Entry) {
	switch {
	case e.Transient:
		failure.Fprintf(out, "! %s\n", e.Content)
		return
	case e.Role != chat.RoleAssistant:
		heading.Fprintf(out, "> %s\n", e.Content)
		return
	}

	fmt.Fprintln(out, e.Answer)
	for _, src := range e.Sources {
		line := fmt.Sprintf("  [%s %d] %s", src.Kind, src.Index, src.File)
		if src.Clause != "" {
			line += " §" + src.Clause
		}
		if src.Page != "" {
			line += " p." + src.Page
		}
		if src.Referred {
			success.Fprintln(out, line)
		} else {
			muted.Fprintln(out, line)
		}
	}
	if e.Unsaved {
		warning.Fprintln(out, "(not saved)")
	}
}

func cmdUpload(ctx context.Context, a *app.App, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("upload", flag.ContinueOnError)
	fileType := fs.String("type", "", "文档类型: customer 或 regulation")
	if err := fs.Parse(args); err != nil {
		return err
	}

	files := make([]upload.File, 0, fs.NArg())
	for _, path := range fs.Args() {
		f, err := upload.ReadFile(path)
		if err != nil {
			return err
		}
		f.FileType = document.FileType(*fileType)
		files = append(files, f)
	}

	report, err := a.Uploads.Upload(ctx, files)
	for _, up := range report.Uploaded {
		success.Fprintf(out, "✓ %s (id %s)\n", up.Filename, up.DocID)
	}
	for _, f := range report.Failed {
		failure.Fprintf(out, "✗ %s: %s\n", f.Name, f.Error)
	}
	return err
}

func cmdDocs(_ context.Context, a *app.App, out io.Writer, _ []string) error {
	docs := a.Uploads.Documents()
	if len(docs) == 0 {
		muted.Fprintln(out, "no documents")
		return nil
	}
	for _, d := range docs {
		fmt.Fprintf(out, "%-6s %-11s v%d  %s\n", d.ID, d.FileType, d.Version, d.Filename)
	}
	return nil
}

func cmdRemove(ctx context.Context, a *app.App, out io.Writer, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	if err := a.Uploads.Delete(ctx, ident.ID(args[0])); err != nil {
		return err
	}
	success.Fprintf(out, "✓ deleted %s\n", args[0])
	return nil
}

func cmdSetType(ctx context.Context, a *app.App, out io.Writer, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	if err := a.Uploads.SetFileType(ctx, ident.ID(args[0]), document.FileType(args[1])); err != nil {
		return err
	}
	success.Fprintf(out, "✓ %s is now %s\n", args[0], args[1])
	return nil
}

func cmdReset(ctx context.Context, a *app.App, out io.Writer, _ []string) error {
	if err := a.Uploads.Reset(ctx); err != nil {
		return err
	}
	success.Fprintln(out, "✓ documents cleared")
	return nil
}

func cmdAssess(ctx context.Context, a *app.App, out io.Writer, args []string) error {
	ids := make([]ident.ID, 0, len(args))
	for _, arg := range args {
		ids = append(ids, ident.ID(arg))
	}
	if len(ids) == 0 {
		ids = a.Uploads.Selected()
	}

	id, err := a.Assessment.Assess(ctx, ids)
	if err != nil {
		return err
	}
	success.Fprintf(out, "✓ assessment %s\n", id)

	graph, err := a.Assessment.Graph(ctx, id)
	if err != nil {
		return err
	}
	counts := make(map[string]int)
	for _, n := range graph.Nodes {
		if n.Status != "" {
			counts[n.Status]++
		}
	}
	fmt.Fprintf(out, "%d clauses, %d links\n", len(graph.Nodes), len(graph.Edges))
	for _, status := range []string{"compliant", "partial", "non_compliant"} {
		if counts[status] > 0 {
			fmt.Fprintf(out, "  %-14s %d\n", status, counts[status])
		}
	}
	return nil
}

func cmdReport(ctx context.Context, a *app.App, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	target := fs.String("out", "", "输出文件 (默认使用服务端文件名)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errUsage
	}

	dir := "."
	if *target != "" {
		dir = filepath.Dir(*target)
	}
	tmp, err := os.CreateTemp(dir, "report-*.part")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	name, n, err := a.Assessment.DownloadReport(ctx, ident.ID(fs.Arg(0)), tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	path := *target
	if path == "" {
		path = name
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	success.Fprintf(out, "✓ saved %s (%d bytes)\n", path, n)
	return nil
}

func cmdWatch(ctx context.Context, a *app.App, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	dir := fs.String("dir", a.Config.Upload.WatchDir, "监听目录")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" {
		return fmt.Errorf("no folder to watch: %w", errUsage)
	}
	a.Config.Upload.WatchDir = *dir

	w, err := a.Watch(ctx, func(res watch.Result) {
		if res.Err != nil {
			printError(out, fmt.Errorf("%s: %w", res.Path, res.Err))
			return
		}
		success.Fprintf(out, "✓ uploaded %s\n", res.Path)
	})
	if err != nil {
		return err
	}
	heading.Fprintf(out, "watching %s, press Ctrl+C to stop\n", w.Dir())
	<-ctx.Done()
	return nil
}
