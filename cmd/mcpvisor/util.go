package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/loykin/mcpvisor"
	"github.com/loykin/mcpvisor/internal/auth"
	"github.com/loykin/mcpvisor/pkg/client"
)

const defaultAPIURL = client.DefaultBaseURL

// client resolves the API URL: --api-url, then the config's listen address and base path,
// then the default.
func (f APIFlags) client(configPath string) (*client.Client, error) {
	u, token := f.URL, f.Token
	if configPath != "" && (u == "" || token == "") {
		cfg, err := mcpvisor.LoadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
		if u == "" {
			u = apiURL(cfg.Server.Listen, cfg.Server.BasePath)
		}
		if token == "" && cfg.Server.AuthSecret != "" {
			s, err := auth.NewService(cfg.Server.AuthSecret, time.Minute)
			if err != nil {
				return nil, err
			}
			t, err := s.Issue("cli")
			if err != nil {
				return nil, err
			}
			token = t.Value
		}
	}
	return client.New(client.Config{BaseURL: strings.TrimRight(u, "/"), Timeout: f.Timeout, Insecure: f.Insecure, Token: token}), nil
}

// apiURL turns a listen address into a URL a local client can dial.
func apiURL(listen, basePath string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return defaultAPIURL
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	bp := strings.TrimRight(basePath, "/")
	if bp != "" && !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return "http://" + net.JoinHostPort(host, port) + bp
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func printServers(w io.Writer, servers []client.Server) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tENABLED\tSTATUS\tPID\tRESTARTS\tCOMMAND")
	for _, s := range servers {
		pid := "-"
		if s.Runtime.PID > 0 {
			pid = fmt.Sprint(s.Runtime.PID)
		}
		cmd := strings.TrimSpace(s.Command + " " + strings.Join(s.Args, " "))
		_, _ = fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%d\t%s\n", s.ID, s.Enabled, s.Runtime.State, pid, s.Runtime.RestartCount, cmd)
	}
	_ = tw.Flush()
}

func printStatus(w io.Writer, st client.Status) {
	_, _ = fmt.Fprintf(w, "%s: %s", st.ID, st.State)
	if st.PID > 0 {
		_, _ = fmt.Fprintf(w, " pid=%d uptime=%s", st.PID, st.Uptime.Round(time.Second))
	}
	if st.RestartCount > 0 {
		_, _ = fmt.Fprintf(w, " restarts=%d", st.RestartCount)
	}
	_, _ = fmt.Fprintln(w)
	if st.LastError != "" {
		_, _ = fmt.Fprintf(w, "  last error: %s\n", st.LastError)
	}
	if st.Usage != nil {
		_, _ = fmt.Fprintf(w, "  cpu=%.1f%% mem=%.1fMB threads=%d\n", st.Usage.CPUPercent, st.Usage.MemoryMB, st.Usage.NumThreads)
	}
}
