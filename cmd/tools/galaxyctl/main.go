package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/compliance-galaxy/client/internal/app"
	"github.com/zhouzirui/compliance-galaxy/client/internal/config"
	"github.com/zhouzirui/compliance-galaxy/client/internal/storage"
	"github.com/zhouzirui/compliance-galaxy/client/pkg/logger"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	verbose := flag.Bool("v", false, "输出调试日志")
	timeout := flag.Duration("timeout", 2*time.Minute, "单个命令的超时时间 (watch 不受限制)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	zlog, err := logger.New(logger.Options{Level: level, FilePath: cfg.Log.File})
	if err != nil {
		log.Fatalf("日志初始化失败: %v", err)
	}
	defer zlog.Sync()

	// 命令行每次都是新进程，会话 ID 也写入持久存储，保证多次调用共享同一份文档。
	db, err := storage.NewSQLite(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("本地存储打开失败: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := app.New(ctx, cfg, app.Options{Logger: zlog, Durable: db, Tab: db})
	if err != nil {
		log.Fatalf("客户端初始化失败: %v", err)
	}
	defer client.Close()

	if err := client.Start(ctx); err != nil {
		log.Fatalf("客户端启动失败: %v", err)
	}

	cmd := flag.Arg(0)
	if cmd != "watch" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	if err := run(ctx, client, os.Stdout, flag.Args()); err != nil {
		printError(os.Stderr, err)
		client.Close()
		db.Close()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `用法: galaxyctl [-v] [-timeout 2m] <command> [args]

命令:
  login -email E -password P     登录
  register -email E -password P  注册并登录
  logout                         退出登录
  whoami                         显示当前用户
  sessions                       列出会话
  show <session-id>              显示会话内容
  send [-session ID] <text>      发送消息 (不指定会话时新建)
  upload [-type T] <files...>    上传文档 (customer 或 regulation)
  docs                           列出文档
  rm <document-id>               删除文档
  set-type <document-id> <type>  修改文档类型
  reset                          清空当前会话的文档
  assess [document-ids...]       发起合规评估 (默认使用全部文档)
  report [-out F] <assessment>   下载评估报告
  watch [-dir D]                 监听目录并自动上传
`)
}
