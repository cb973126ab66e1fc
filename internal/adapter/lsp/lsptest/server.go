// Package lsptest provides a scriptable fake language server. Test binaries
// call MaybeServe from TestMain; descriptors built by Descriptor re-execute
// the test binary, which then speaks the protocol on stdio instead of
// running tests.
package lsptest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	envServe = "SYMBOLFORGE_FAKE_LSP"
	envMode  = "SYMBOLFORGE_FAKE_LSP_MODE"
)

// Mode selects the fake server's behavior.
type Mode string

const (
	// ModeNormal answers every supported request.
	ModeNormal Mode = "normal"
	// ModeSilent completes the handshake, then never answers another request.
	ModeSilent Mode = "silent"
	// ModeEmptyUntilOpen returns no workspace symbols until a document is opened.
	ModeEmptyUntilOpen Mode = "empty-until-open"
	// ModeCrashOnQuery exits with status 3 on the first workspace/symbol.
	ModeCrashOnQuery Mode = "crash-on-query"
	// ModeCrashOnOpen exits with status 3 on the first didOpen.
	ModeCrashOnOpen Mode = "crash-on-open"
	// ModeNoInit never answers initialize.
	ModeNoInit Mode = "no-init"
)

// Test-only methods understood by the fake.
const (
	MethodHang      = "test/hang"      // never answered
	MethodSleep     = "test/sleep"     // {"ms": n}: answered after n milliseconds
	MethodEcho      = "test/echo"      // result is params
	MethodExit      = "test/exit"      // notification {"code": n}: exit immediately
	MethodAskClient = "test/askClient" // sends workspace/configuration, answers with the client's reply
	MethodGarbage   = "test/garbage"   // writes a malformed header, then answers
	MethodOpened    = "test/opened"    // result is the number of open documents
	MethodDropInput = "test/dropInput" // notification: closes stdin and keeps running
)

// MaybeServe runs the fake server and exits when the process was started
// by a Descriptor. Otherwise it returns immediately.
func MaybeServe() {
	if os.Getenv(envServe) != "1" {
		return
	}
	s := &server{
		mode: Mode(os.Getenv(envMode)),
		out:  bufio.NewWriter(os.Stdout),
		open: make(map[string]bool),
	}
	os.Exit(s.serve(os.Stdin))
}

// Env returns the environment that makes a re-executed test binary serve.
func Env(mode Mode) []string {
	return []string{envServe + "=1", envMode + "=" + string(mode)}
}

type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type server struct {
	mode Mode

	mu   sync.Mutex
	out  *bufio.Writer
	root string
	open map[string]bool

	nextID  int
	waiters map[string]chan json.RawMessage
}

func (s *server) serve(in io.Reader) int {
	r := bufio.NewReader(in)
	for {
		body, err := readFrame(r)
		if err != nil {
			return 0
		}
		var msg message
		if err := json.Unmarshal(body, &msg); err != nil {
			continue
		}
		if code, exit := s.handle(&msg); exit {
			return code
		}
	}
}

// handle processes one message and reports whether the process should exit.
func (s *server) handle(msg *message) (int, bool) {
	if msg.Method == "" {
		s.mu.Lock()
		ch := s.waiters[string(msg.ID)]
		delete(s.waiters, string(msg.ID))
		s.mu.Unlock()
		if ch != nil {
			ch <- msg.Result
		}
		return 0, false
	}

	switch msg.Method {
	case "initialize":
		if s.mode == ModeNoInit {
			return 0, false
		}
		var p struct {
			RootURI string `json:"rootUri"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		s.mu.Lock()
		s.root = uriToPath(p.RootURI)
		s.mu.Unlock()
		s.reply(msg.ID, map[string]any{
			"capabilities": map[string]any{
				"workspaceSymbolProvider": true,
				"documentSymbolProvider":  map[string]any{},
				"referencesProvider":      true,
			},
			"serverInfo": map[string]any{"name": "lsptest"},
		})
	case "initialized", "$/cancelRequest":
	case "shutdown":
		s.reply(msg.ID, nil)
	case "exit":
		return 0, true
	case MethodDropInput:
		_ = os.Stdin.Close()
		time.Sleep(time.Hour)
		return 0, true
	case MethodExit:
		var p struct {
			Code int `json:"code"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		return p.Code, true
	}

	if s.mode == ModeSilent {
		return 0, false
	}

	switch msg.Method {
	case "textDocument/didOpen":
		if s.mode == ModeCrashOnOpen {
			return 3, true
		}
		var p struct {
			TextDocument struct {
				URI string `json:"uri"`
			} `json:"textDocument"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		s.mu.Lock()
		s.open[p.TextDocument.URI] = true
		s.mu.Unlock()
		s.notify("window/logMessage", map[string]any{"type": 4, "message": "opened " + p.TextDocument.URI})
	case "textDocument/didClose":
		var p struct {
			TextDocument struct {
				URI string `json:"uri"`
			} `json:"textDocument"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		s.mu.Lock()
		delete(s.open, p.TextDocument.URI)
		s.mu.Unlock()
	case "workspace/symbol":
		if s.mode == ModeCrashOnQuery {
			return 3, true
		}
		s.workspaceSymbol(msg)
	case "textDocument/documentSymbol":
		s.documentSymbol(msg)
	case "textDocument/references":
		s.references(msg)
	case MethodEcho:
		s.reply(msg.ID, msg.Params)
	case MethodSleep:
		var p struct {
			MS int `json:"ms"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		go func(id json.RawMessage) {
			time.Sleep(time.Duration(p.MS) * time.Millisecond)
			s.reply(id, "late")
		}(msg.ID)
	case MethodAskClient:
		go s.askClient(msg.ID)
	case MethodGarbage:
		s.mu.Lock()
		_, _ = s.out.WriteString("Content-Length: nope\r\n\r\n")
		s.mu.Unlock()
		s.reply(msg.ID, "after-garbage")
	case MethodOpened:
		s.mu.Lock()
		n := len(s.open)
		s.mu.Unlock()
		s.reply(msg.ID, n)
	case MethodHang:
	default:
		if len(msg.ID) > 0 {
			s.replyError(msg.ID, -32601, "method not found: "+msg.Method)
		}
	}
	return 0, false
}

func (s *server) workspaceSymbol(msg *message) {
	var p struct {
		Query string `json:"query"`
	}
	_ = json.Unmarshal(msg.Params, &p)

	s.mu.Lock()
	root, opened := s.root, len(s.open)
	s.mu.Unlock()

	type symbolInformation struct {
		Name     string   `json:"name"`
		Kind     int      `json:"kind"`
		Location location `json:"location"`
	}
	out := []symbolInformation{}
	if s.mode != ModeEmptyUntilOpen || opened > 0 {
		for _, d := range scanTree(root) {
			if p.Query == "" || strings.Contains(strings.ToLower(d.name), strings.ToLower(p.Query)) {
				out = append(out, symbolInformation{Name: d.name, Kind: d.kind, Location: d.location()})
			}
		}
	}
	s.reply(msg.ID, out)
}

func (s *server) documentSymbol(msg *message) {
	var p struct {
		TextDocument struct {
			URI string `json:"uri"`
		} `json:"textDocument"`
	}
	_ = json.Unmarshal(msg.Params, &p)

	type documentSymbol struct {
		Name           string `json:"name"`
		Kind           int    `json:"kind"`
		Range          rng    `json:"range"`
		SelectionRange rng    `json:"selectionRange"`
	}
	out := []documentSymbol{}
	for _, d := range scanFile(uriToPath(p.TextDocument.URI)) {
		out = append(out, documentSymbol{Name: d.name, Kind: d.kind, Range: d.rng, SelectionRange: d.rng})
	}
	s.reply(msg.ID, out)
}

func (s *server) references(msg *message) {
	var p struct {
		TextDocument struct {
			URI string `json:"uri"`
		} `json:"textDocument"`
		Position pos `json:"position"`
		Context  struct {
			IncludeDeclaration bool `json:"includeDeclaration"`
		} `json:"context"`
	}
	_ = json.Unmarshal(msg.Params, &p)

	refs := []location{}
	if p.Context.IncludeDeclaration {
		refs = append(refs, location{URI: p.TextDocument.URI, Range: rng{Start: p.Position, End: p.Position}})
	}
	next := pos{Line: p.Position.Line + 1}
	refs = append(refs, location{URI: p.TextDocument.URI, Range: rng{Start: next, End: next}})
	s.reply(msg.ID, refs)
}

func (s *server) askClient(replyTo json.RawMessage) {
	s.mu.Lock()
	if s.waiters == nil {
		s.waiters = make(map[string]chan json.RawMessage)
	}
	s.nextID++
	id := json.RawMessage(`"srv-` + strconv.Itoa(s.nextID) + `"`)
	ch := make(chan json.RawMessage, 1)
	s.waiters[string(id)] = ch
	s.mu.Unlock()

	s.write(message{JSONRPC: "2.0", ID: id, Method: "workspace/configuration",
		Params: json.RawMessage(`{"items":[{"section":"a"},{"section":"b"}]}`)})
	s.reply(replyTo, <-ch)
}

func (s *server) reply(id json.RawMessage, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		raw = json.RawMessage("null")
	}
	s.write(message{JSONRPC: "2.0", ID: id, Result: raw})
}

func (s *server) replyError(id json.RawMessage, code int, text string) {
	m := message{JSONRPC: "2.0", ID: id}
	m.Error = &struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}{code, text}
	s.write(m)
}

func (s *server) notify(method string, params any) {
	raw, _ := json.Marshal(params)
	s.write(message{JSONRPC: "2.0", Method: method, Params: raw})
}

func (s *server) write(m message) {
	body, err := json.Marshal(m)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, "Content-Length: %d\r\n\r\n", len(body))
	_, _ = s.out.Write(body)
	_ = s.out.Flush()
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	length := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			length, _ = strconv.Atoi(strings.TrimSpace(value))
		}
	}
	if length < 0 {
		return nil, fmt.Errorf("missing Content-Length")
	}
	body := make([]byte, length)
	_, err := io.ReadFull(r, body)
	return body, err
}

type pos struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

type rng struct {
	Start pos `json:"start"`
	End   pos `json:"end"`
}

type location struct {
	URI   string `json:"uri"`
	Range rng    `json:"range"`
}

type decl struct {
	name string
	kind int
	path string
	rng  rng
}

func (d decl) location() location {
	return location{URI: pathToURI(d.path), Range: d.rng}
}

var declPattern = regexp.MustCompile(`^\s*(?:export\s+)?(class|interface|struct|func|function|def|type)\s+([A-Za-z_]\w*)`)

var declKinds = map[string]int{
	"class":     5,
	"interface": 11,
	"struct":    23,
	"func":      12,
	"function":  12,
	"def":       12,
	"type":      5,
}

func scanTree(root string) []decl {
	var out []decl
	if root == "" {
		return out
	}
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && (d.Name() == "node_modules" || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		out = append(out, scanFile(path)...)
		return nil
	})
	return out
}

func scanFile(path string) []decl {
	data, err := os.ReadFile(path) //nolint:gosec // test fixture
	if err != nil {
		return nil
	}
	var out []decl
	for n, line := range strings.Split(string(data), "\n") {
		m := declPattern.FindStringSubmatchIndex(line)
		if m == nil {
			continue
		}
		name := line[m[4]:m[5]]
		out = append(out, decl{
			name: name,
			kind: declKinds[line[m[2]:m[3]]],
			path: path,
			rng:  rng{Start: pos{Line: n, Character: m[4]}, End: pos{Line: n, Character: m[5]}},
		})
	}
	return out
}

func pathToURI(path string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}

func uriToPath(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return filepath.FromSlash(u.Path)
}
