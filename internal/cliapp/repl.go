package cliapp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/google/shlex"
)

// Session holds interactive REPL state: the daemon client, the persisted
// token, and output formatting, the way FouGuai-FUZOJ's cli/repl.Session
// holds its client/commands/tokenState — narrowed here to safebox's
// operations (login, submit, state, get, release, kill) instead of a
// multi-service command registry.
type Session struct {
	client     *Client
	tokenState *TokenState
	statePath  string
	prettyJSON bool
}

// NewSession builds a REPL session bound to an already-configured Client.
func NewSession(client *Client, tokenState *TokenState, statePath string, prettyJSON bool) *Session {
	return &Session{client: client, tokenState: tokenState, statePath: statePath, prettyJSON: prettyJSON}
}

// Run drives the interactive loop until "exit"/"quit" or EOF.
func (s *Session) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          color.CyanString("safeboxctl> "),
		HistoryFile:     "",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("init readline failed: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil { // io.EOF or readline.ErrInterrupt
			s.printLine("bye")
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if s.handleSystemCommand(line) {
			continue
		}
		if err := s.handleCommand(ctx, line); err != nil {
			color.Red("error: %v", err)
		}
	}
}

func (s *Session) handleSystemCommand(line string) bool {
	switch {
	case line == "exit" || line == "quit":
		s.printLine("bye")
		os.Exit(0)
	case line == "help":
		s.printHelp()
	case strings.HasPrefix(line, "set "):
		s.handleSet(strings.TrimSpace(strings.TrimPrefix(line, "set ")))
	case strings.HasPrefix(line, "show "):
		s.handleShow(strings.TrimSpace(strings.TrimPrefix(line, "show ")))
	default:
		return false
	}
	return true
}

func (s *Session) handleSet(args string) {
	parts := strings.Fields(args)
	if len(parts) < 2 {
		s.printLine("usage: set base|token <value>")
		return
	}
	switch parts[0] {
	case "base":
		s.client.SetBaseURL(parts[1])
		s.printLine("base set to %s", parts[1])
	case "token":
		s.tokenState.AccessToken = parts[1]
		if err := SaveState(s.statePath, *s.tokenState); err != nil {
			color.Red("save token failed: %v", err)
			return
		}
		s.printLine("token updated")
	default:
		s.printLine("unknown set command")
	}
}

func (s *Session) handleShow(args string) {
	switch args {
	case "token":
		token := s.tokenState.AccessToken
		if token == "" {
			s.printLine("token: <empty>")
			return
		}
		if len(token) > 12 {
			token = token[:6] + "..." + token[len(token)-4:]
		}
		s.printLine("token: %s", token)
	default:
		s.printLine("usage: show token")
	}
}

// handleCommand dispatches one REPL line of the form
// "<verb> key=value ...", the same shlex-then-split-on-'=' shape as
// FouGuai-FUZOJ's registry-driven dispatcher, narrowed to a handful of
// fixed verbs.
func (s *Session) handleCommand(ctx context.Context, line string) error {
	tokens, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse command failed: %w", err)
	}
	if len(tokens) == 0 {
		return nil
	}
	verb := tokens[0]
	params := map[string]string{}
	for _, tok := range tokens[1:] {
		kv := strings.SplitN(tok, "=", 2)
		if len(kv) != 2 {
			return fmt.Errorf("invalid param: %s", tok)
		}
		params[kv[0]] = kv[1]
	}

	switch verb {
	case "login":
		return s.doLogin(ctx, params)
	case "submit":
		return s.doSubmit(ctx, params)
	case "state":
		return s.doState(ctx)
	case "get":
		return s.doGet(ctx, params)
	case "release":
		return s.doRelease(ctx, params)
	case "kill":
		return s.doKill(ctx, params)
	default:
		return fmt.Errorf("unknown command: %s (try: login, submit, state, get, release, kill, help)", verb)
	}
}

func (s *Session) doLogin(ctx context.Context, params map[string]string) error {
	body, err := json.Marshal(map[string]string{"user": params["user"], "password": params["password"]})
	if err != nil {
		return err
	}
	resp, err := s.client.Do(ctx, http.MethodPost, "/login", body)
	if err != nil {
		return err
	}
	s.renderResponse(resp)
	var env Envelope
	if json.Unmarshal(resp.Body, &env) == nil {
		var data struct {
			Token string `json:"token"`
		}
		if json.Unmarshal(env.Data, &data) == nil && data.Token != "" {
			s.tokenState.AccessToken = data.Token
			_ = SaveState(s.statePath, *s.tokenState)
			color.Green("token saved")
		}
	}
	return nil
}

func (s *Session) doSubmit(ctx context.Context, params map[string]string) error {
	sp := SubmitParams{
		JobID:   params["job_id"],
		Path:    params["path"],
		WorkDir: params["work_dir"],
	}
	if v := params["args"]; v != "" {
		sp.Args = strings.Fields(v)
	}
	var err error
	if sp.Max, err = ParseVector(params["max"]); err != nil {
		return err
	}
	if sp.Request, err = ParseVector(params["request"]); err != nil {
		return err
	}
	if v := params["cpu_quota_us"]; v != "" {
		sp.CPUQuotaUS, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := params["memory_max_bytes"]; v != "" {
		sp.MemoryMaxBytes, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := params["timeout_seconds"]; v != "" {
		sp.TimeoutSeconds, _ = strconv.Atoi(v)
	}
	sp.AllowNewNet = params["allow_new_net"] == "true"

	body, err := sp.Body()
	if err != nil {
		return err
	}
	resp, err := s.client.Do(ctx, http.MethodPost, "/jobs", body)
	if err != nil {
		return err
	}
	s.renderResponse(resp)
	return nil
}

func (s *Session) doState(ctx context.Context) error {
	resp, err := s.client.Do(ctx, http.MethodGet, "/state", nil)
	if err != nil {
		return err
	}
	s.renderResponse(resp)
	return nil
}

func (s *Session) doGet(ctx context.Context, params map[string]string) error {
	if params["job_id"] == "" {
		return fmt.Errorf("usage: get job_id=<id>")
	}
	resp, err := s.client.Do(ctx, http.MethodGet, "/jobs/"+params["job_id"], nil)
	if err != nil {
		return err
	}
	s.renderResponse(resp)
	return nil
}

func (s *Session) doRelease(ctx context.Context, params map[string]string) error {
	if params["job_id"] == "" {
		return fmt.Errorf("usage: release job_id=<id>")
	}
	resp, err := s.client.Do(ctx, http.MethodPost, "/jobs/"+params["job_id"]+"/release", nil)
	if err != nil {
		return err
	}
	s.renderResponse(resp)
	return nil
}

func (s *Session) doKill(ctx context.Context, params map[string]string) error {
	if params["job_id"] == "" {
		return fmt.Errorf("usage: kill job_id=<id>")
	}
	resp, err := s.client.Do(ctx, http.MethodPost, "/jobs/"+params["job_id"]+"/kill", nil)
	if err != nil {
		return err
	}
	s.renderResponse(resp)
	return nil
}

func (s *Session) renderResponse(resp ResponseInfo) {
	statusColor := color.New(color.FgGreen)
	if resp.StatusCode >= 400 {
		statusColor = color.New(color.FgRed)
	}
	statusColor.Printf("HTTP %d (%s)\n", resp.StatusCode, resp.Duration)
	if len(resp.Body) == 0 {
		return
	}
	if s.prettyJSON {
		var raw interface{}
		if err := json.Unmarshal(resp.Body, &raw); err == nil {
			formatted, _ := json.MarshalIndent(raw, "", "  ")
			fmt.Println(string(formatted))
			return
		}
	}
	fmt.Println(string(resp.Body))
}

func (s *Session) printHelp() {
	s.printLine("usage: <verb> key=value ...")
	s.printLine("system: help | exit | set base|token <value> | show token")
	s.printLine("verbs:  login user=op password=... | submit job_id=j1 path=/bin/true max=2,512 request=1,256")
	s.printLine("        state | get job_id=j1 | release job_id=j1 | kill job_id=j1")
}

func (s *Session) printLine(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
}
