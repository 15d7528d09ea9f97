package wizard

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/Polly2014/CopilotX/pkg/config"
)

// RunServerWizard asks for the settings most people change, validates them and
// saves the config to path.
func RunServerWizard(r io.Reader, w io.Writer, path string, cfg *config.ServerConfig) error {
	in := bufio.NewScanner(r)
	fmt.Fprintln(w, "Server configuration wizard")
	cfg.ListenAddr = ask(in, w, "Listen address (0.0.0.0:port exposes it to the network)", cfg.ListenAddr)
	cfg.APIKey = ask(in, w, "API key for non-local clients ('-' clears it)", cfg.APIKey)
	cfg.ResponsesMode = ask(in, w, "Responses mode (translate/passthrough)", cfg.ResponsesMode)
	cfg.LogLevel = ask(in, w, "Log level", cfg.LogLevel)
	if v, err := strconv.Atoi(ask(in, w, "Stream idle timeout (seconds)", strconv.Itoa(cfg.StreamIdleTimeoutSeconds))); err == nil && v > 0 {
		cfg.StreamIdleTimeoutSeconds = v
	}

	aliases := ask(in, w, "Model aliases (alias=model, comma-separated)", formatAliases(cfg.ModelAliases))
	cfg.ModelAliases = parseAliases(aliases)

	cfg.TLS.Enabled = yes(ask(in, w, "Enable Let's Encrypt TLS? (y/N)", boolStr(cfg.TLS.Enabled)))
	if cfg.TLS.Enabled {
		cfg.TLS.Domain = ask(in, w, "TLS domain", cfg.TLS.Domain)
		cfg.TLS.Email = ask(in, w, "ACME email", cfg.TLS.Email)
		cfg.TLS.CacheDir = ask(in, w, "ACME cache dir", cfg.TLS.CacheDir)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.Save(path, cfg); err != nil {
		return err
	}
	fmt.Fprintf(w, "Saved %s\n", path)
	return nil
}

func ask(in *bufio.Scanner, w io.Writer, label, def string) string {
	if def == "" {
		fmt.Fprintf(w, "%s: ", label)
	} else {
		fmt.Fprintf(w, "%s [%s]: ", label, def)
	}
	if !in.Scan() {
		return def
	}
	txt := strings.TrimSpace(in.Text())
	if txt == "" {
		return def
	}
	if txt == "-" {
		return ""
	}
	return txt
}

func parseAliases(v string) map[string]string {
	out := map[string]string{}
	for _, p := range strings.Split(v, ",") {
		from, to, ok := strings.Cut(strings.TrimSpace(p), "=")
		from, to = strings.TrimSpace(from), strings.TrimSpace(to)
		if !ok || from == "" || to == "" {
			continue
		}
		out[from] = to
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func formatAliases(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+m[k])
	}
	return strings.Join(parts, ",")
}

func yes(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "y", "yes", "true":
		return true
	}
	return false
}

func boolStr(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
