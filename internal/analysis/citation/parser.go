package citation

import (
	"regexp"
	"strconv"
	"strings"
)

// Kind 表示引用来源：用户上传的文档或知识库。
type Kind string

const (
	KindDocument  Kind = "DOC"
	KindKnowledge Kind = "KB"
)

// Source 是 SOURCES 区块中的一条引用。
type Source struct {
	Kind     Kind   `json:"kind"`
	Index    int    `json:"index"`
	File     string `json:"file,omitempty"`
	Clause   string `json:"clause,omitempty"`
	Page     string `json:"page,omitempty"`
	Raw      string `json:"raw"`
	Referred bool   `json:"referred"`
}

// Reply 是拆分后的回答正文与引用列表。
type Reply struct {
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources,omitempty"`
}

var (
	// 允许 "SOURCES:"、"**SOURCES:**"、"Sources:" 等写法独占一行。
	headerPattern = regexp.MustCompile(`(?im)^[ \t]*[*_#]*[ \t]*sources[ \t]*:[ \t]*[*_]*[ \t]*$`)
	markerPattern = regexp.MustCompile(`\[(DOC|KB)\s*(\d+)\]`)
)

// Parse 将模型回答拆分为正文与末尾的 SOURCES 区块。
// 没有 SOURCES 区块时原样返回正文。
func Parse(content string) Reply {
	locs := headerPattern.FindAllStringIndex(content, -1)
	if len(locs) == 0 {
		return Reply{Answer: strings.TrimSpace(content)}
	}
	// 取最后一个标题，正文中偶尔会提到 "Sources:"。
	last := locs[len(locs)-1]
	answer := strings.TrimSpace(content[:last[0]])
	block := content[last[1]:]

	referred := referencedMarkers(answer)
	var sources []Source
	for _, line := range strings.Split(block, "\n") {
		src, ok := parseLine(line)
		if !ok {
			continue
		}
		src.Referred = referred[markerKey(src.Kind, src.Index)]
		sources = append(sources, src)
	}
	return Reply{Answer: answer, Sources: sources}
}

func parseLine(line string) (Source, bool) {
	trimmed := strings.TrimSpace(line)
	trimmed = strings.TrimLeft(trimmed, "-*• \t")
	if trimmed == "" {
		return Source{}, false
	}

	src := Source{Raw: trimmed}
	rest := trimmed
	if m := markerPattern.FindStringSubmatchIndex(trimmed); m != nil && m[0] == 0 {
		src.Kind = Kind(trimmed[m[2]:m[3]])
		src.Index, _ = strconv.Atoi(trimmed[m[4]:m[5]])
		rest = strings.TrimSpace(trimmed[m[1]:])
	}

	for _, field := range strings.Split(rest, "|") {
		key, value, found := strings.Cut(field, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "file":
			src.File = value
		case "clause":
			src.Clause = value
		case "page":
			src.Page = value
		}
	}

	if src.Kind == "" && src.File == "" {
		return Source{}, false
	}
	return src, true
}

func referencedMarkers(answer string) map[string]bool {
	out := make(map[string]bool)
	for _, m := range markerPattern.FindAllStringSubmatch(answer, -1) {
		idx, _ := strconv.Atoi(m[2])
		out[markerKey(Kind(m[1]), idx)] = true
	}
	return out
}

func markerKey(kind Kind, index int) string {
	return string(kind) + strconv.Itoa(index)
}
