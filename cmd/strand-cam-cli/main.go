package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"strandcam/internal/control"
	"strandcam/internal/dispatcher"
)

func main() {
	var (
		urlF     = flag.String("url", "http://127.0.0.1:3440", "strand-cam control-plane URL")
		tokenF   = flag.String("token", os.Getenv("STRANDCAM_TOKEN"), "Bearer token (default $STRANDCAM_TOKEN)")
		timeoutF = flag.Int("timeout", 10, "Request timeout in seconds")
		verboseF = flag.Bool("verbose", false, "Print request and response details")
		vF       = flag.Bool("v", false, "Print request and response details")
	)
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(1)
	}

	c := newClient(*urlF, *tokenF, *timeoutF, *verboseF || *vF)
	if err := run(context.Background(), c, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, c *client, args []string) error {
	switch args[0] {
	case "health":
		var res control.HealthResponse
		if err := c.do(ctx, http.MethodGet, "/healthz", nil, &res); err != nil {
			return err
		}
		return printJSON(res)

	case "login":
		if len(args) != 3 {
			return fmt.Errorf("usage: login USERNAME PASSWORD")
		}
		body, err := json.Marshal(control.LoginRequest{Username: args[1], Password: args[2]})
		if err != nil {
			return err
		}
		var res control.LoginResponse
		if err := c.do(ctx, http.MethodPost, "/api/login", body, &res); err != nil {
			return err
		}
		fmt.Println(res.Token)
		return nil

	case "state":
		var raw json.RawMessage
		if err := c.do(ctx, http.MethodGet, "/api/state", nil, &raw); err != nil {
			return err
		}
		return printJSON(raw)

	case "recordings":
		var raw json.RawMessage
		if err := c.do(ctx, http.MethodGet, "/api/recordings", nil, &raw); err != nil {
			return err
		}
		return printJSON(raw)

	case "commands":
		var names []string
		if err := c.do(ctx, http.MethodGet, "/api/commands", nil, &names); err != nil {
			return err
		}
		fmt.Println(strings.Join(names, "\n"))
		return nil

	case "send":
		if len(args) < 2 || len(args) > 3 {
			return fmt.Errorf("usage: send COMMAND [JSON-VALUE]")
		}
		value := ""
		if len(args) == 3 {
			value = args[2]
		}
		return send(ctx, c, args[1], value)

	case "quit":
		return send(ctx, c, "DoQuit", "")

	default:
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

// send validates the command locally before posting it.
func send(ctx context.Context, c *client, name, value string) error {
	wire := fmt.Sprintf(`{"command":%q}`, name)
	if value != "" {
		wire = fmt.Sprintf(`{"command":%q,"value":%s}`, name, value)
	}
	cmd, err := dispatcher.Decode([]byte(wire))
	if err != nil {
		return err
	}
	body, err := dispatcher.Encode(cmd)
	if err != nil {
		return err
	}
	var res control.CommandResponse
	if err := c.do(ctx, http.MethodPost, "/api/command", body, &res); err != nil {
		return err
	}
	fmt.Printf("accepted %s\n", res.Accepted)
	return nil
}

func printJSON(v any) error {
	if raw, ok := v.(json.RawMessage); ok {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return err
		}
		v = decoded
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `%s is a command line client for the strand-cam control plane.
Usage:
    %s [-url URL] [-token TOKEN] [-timeout SECONDS] [-verbose|-v] SUBCOMMAND [ARGS]

Subcommands:
    health                      show server health
    login USERNAME PASSWORD     print a bearer token
    state                       show the shared camera state
    recordings                  list recording history
    commands                    list control command names
    send COMMAND [JSON-VALUE]   queue a control command
    quit                        ask the server to shut down

Example:
    %s send SetExposureTime 5000
    %s send SetIsRecordingMkv true
    %s send SetDeviceChannel '{"channel":1,"on_state":"ConstantOn","intensity":16000}'
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}
