// Command safeboxctl is the CLI client against a running safeboxd's
// HTTP API: one-shot verbs for scripting (submit/state/get/release/kill)
// plus an interactive REPL, mirroring FouGuai-FUZOJ's cmd/cli front end
// (internal/cli/{config,http,repl,state}) narrowed to safebox's
// operations and adapted onto internal/cliapp.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/anika-dewari/safebox/internal/cliapp"
)

const defaultConfigPath = "configs/safeboxctl.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to safeboxctl config file")
	baseURL := flag.String("base", "", "Override base URL")
	token := flag.String("token", "", "Override access token")
	statePath := flag.String("state", "", "Override token state path")
	pretty := flag.Bool("pretty", false, "Pretty print JSON response")
	flag.Parse()

	cfg, err := cliapp.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	if *baseURL != "" {
		cfg.BaseURL = *baseURL
	}
	if *statePath != "" {
		cfg.TokenStatePath = *statePath
	}
	if *pretty {
		trueValue := true
		cfg.PrettyJSON = &trueValue
	}

	tokenState, err := cliapp.LoadState(cfg.TokenStatePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load token state failed: %v\n", err)
		os.Exit(1)
	}
	if *token != "" {
		tokenState.AccessToken = *token
	}

	client := cliapp.NewClient(cfg.BaseURL, cfg.Timeout, func() string { return tokenState.AccessToken })

	args := flag.Args()
	ctx := context.Background()

	if len(args) == 0 {
		session := cliapp.NewSession(client, &tokenState, cfg.TokenStatePath, boolOr(cfg.PrettyJSON, true))
		if err := session.Run(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		return
	}

	code, err := runOneShot(ctx, client, &tokenState, cfg, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
	}
	os.Exit(code)
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// runOneShot dispatches a single non-interactive invocation and returns
// the process exit code. For submit, a completed HTTP round trip yields
// the code exitCodeFromEnvelope derives from the JobResult. For the other
// verbs it is 0 on a response below 400 and 1 on an HTTP error status.
// A transport failure is 1 and a usage failure is 1 or 2.
func runOneShot(ctx context.Context, client *cliapp.Client, tokenState *cliapp.TokenState, cfg cliapp.Config, args []string) (int, error) {
	verb := args[0]
	params := parseParams(args[1:])

	var (
		resp cliapp.ResponseInfo
		err  error
	)

	switch verb {
	case "login":
		body, marshalErr := json.Marshal(map[string]string{"user": params["user"], "password": params["password"]})
		if marshalErr != nil {
			return 1, marshalErr
		}
		resp, err = client.Do(ctx, http.MethodPost, "/login", body)
		if err == nil {
			var env cliapp.Envelope
			if json.Unmarshal(resp.Body, &env) == nil {
				var data struct {
					Token string `json:"token"`
				}
				if json.Unmarshal(env.Data, &data) == nil && data.Token != "" {
					tokenState.AccessToken = data.Token
					_ = cliapp.SaveState(cfg.TokenStatePath, *tokenState)
				}
			}
		}
	case "submit":
		sp, buildErr := buildSubmitParams(params)
		if buildErr != nil {
			return 1, buildErr
		}
		body, marshalErr := sp.Body()
		if marshalErr != nil {
			return 1, marshalErr
		}
		resp, err = client.Do(ctx, http.MethodPost, "/jobs", body)
		if err == nil {
			printResponse(resp, boolOr(cfg.PrettyJSON, true))
			return exitCodeFromEnvelope(resp), nil
		}
	case "state":
		resp, err = client.Do(ctx, http.MethodGet, "/state", nil)
	case "get":
		if params["job_id"] == "" {
			return 2, fmt.Errorf("usage: safeboxctl get job_id=<id>")
		}
		resp, err = client.Do(ctx, http.MethodGet, "/jobs/"+params["job_id"], nil)
	case "release":
		if params["job_id"] == "" {
			return 2, fmt.Errorf("usage: safeboxctl release job_id=<id>")
		}
		resp, err = client.Do(ctx, http.MethodPost, "/jobs/"+params["job_id"]+"/release", nil)
	case "kill":
		if params["job_id"] == "" {
			return 2, fmt.Errorf("usage: safeboxctl kill job_id=<id>")
		}
		resp, err = client.Do(ctx, http.MethodPost, "/jobs/"+params["job_id"]+"/kill", nil)
	default:
		return 2, fmt.Errorf("unknown command %q (try: login, submit, state, get, release, kill)", verb)
	}

	if err != nil {
		return 1, err
	}
	printResponse(resp, boolOr(cfg.PrettyJSON, true))
	if resp.StatusCode >= 400 {
		return 1, nil
	}
	return 0, nil
}

func buildSubmitParams(params map[string]string) (cliapp.SubmitParams, error) {
	sp := cliapp.SubmitParams{
		JobID:   params["job_id"],
		Path:    params["path"],
		WorkDir: params["work_dir"],
	}
	if v := params["args"]; v != "" {
		sp.Args = strings.Fields(v)
	}
	var err error
	if sp.Max, err = cliapp.ParseVector(params["max"]); err != nil {
		return sp, err
	}
	if sp.Request, err = cliapp.ParseVector(params["request"]); err != nil {
		return sp, err
	}
	if v := params["cpu_quota_us"]; v != "" {
		sp.CPUQuotaUS, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := params["memory_max_bytes"]; v != "" {
		sp.MemoryMaxBytes, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := params["pids_max"]; v != "" {
		sp.PIDsMax, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := params["timeout_seconds"]; v != "" {
		sp.TimeoutSeconds, _ = strconv.Atoi(v)
	}
	sp.AllowNewNet = params["allow_new_net"] == "true"
	return sp, nil
}

func parseParams(args []string) map[string]string {
	params := map[string]string{}
	for _, arg := range args {
		kv := strings.SplitN(arg, "=", 2)
		if len(kv) == 2 {
			params[kv[0]] = kv[1]
		}
	}
	return params
}

func printResponse(resp cliapp.ResponseInfo, pretty bool) {
	if pretty && len(resp.Body) > 0 {
		var raw interface{}
		if err := json.Unmarshal(resp.Body, &raw); err == nil {
			formatted, _ := json.MarshalIndent(raw, "", "  ")
			fmt.Println(string(formatted))
			return
		}
	}
	fmt.Println(string(resp.Body))
}

// exitCodeFromEnvelope maps a submit response's JobResult onto this
// process's own exit code: 0 success, 2 admission rejected, 3 cgroup
// setup failed, 4 spawn failed, 5 child setup failure, 6 child killed
// by seccomp, >=128 child exit propagated as 128+signo.
func exitCodeFromEnvelope(resp cliapp.ResponseInfo) int {
	var env cliapp.Envelope
	if json.Unmarshal(resp.Body, &env) != nil {
		return 1
	}
	var result cliapp.JobResult
	if json.Unmarshal(env.Data, &result) != nil {
		return 1
	}
	return cliapp.ExitCodeFor(result)
}
