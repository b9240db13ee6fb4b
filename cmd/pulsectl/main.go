package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/splax/pulse/pkg/client"
	"golang.org/x/term"
)

const defaultAPIBase = "http://localhost:8000"

type cliConfig struct {
	APIBaseURL string            `json:"api_base_url"`
	APIKeys    map[string]string `json:"api_keys,omitempty"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "config":
		err = commandConfig(args)
	case "project":
		err = commandProject(args)
	case "policy":
		err = commandPolicy(args)
	case "alerts":
		err = commandAlerts(args)
	case "metrics":
		err = commandMetrics(args)
	case "ingest":
		err = commandIngest(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL")
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = strings.TrimSpace(*apiBase)
		if err := saveConfig(cfg); err != nil {
			return err
		}
	}
	fmt.Printf("api: %s\n", cfg.APIBaseURL)
	fmt.Printf("stored keys: %d\n", len(cfg.APIKeys))
	return nil
}

func commandProject(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: pulsectl project [list|create|show]")
	}
	switch args[0] {
	case "list":
		return projectList(args[1:])
	case "create":
		return projectCreate(args[1:])
	case "show":
		return projectShow(args[1:])
	default:
		return fmt.Errorf("unknown project command: %s", args[0])
	}
}

func projectList(args []string) error {
	fs := flag.NewFlagSet("project list", flag.ExitOnError)
	limit := fs.Int("limit", 0, "Maximum number of projects to display")
	fs.Parse(args)

	c, _, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	projects, err := c.ListProjects(ctx)
	if err != nil {
		return err
	}
	if *limit > 0 && *limit < len(projects) {
		projects = projects[:*limit]
	}
	return render(projects, func(w io.Writer) {
		fmt.Fprintln(w, "ID\tNAME\tEMAIL\tCREATED")
		for _, p := range projects {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Email, p.CreatedAt.Format(time.RFC3339))
		}
	})
}

func projectCreate(args []string) error {
	fs := flag.NewFlagSet("project create", flag.ExitOnError)
	name := fs.String("name", "", "Project name")
	email := fs.String("email", "", "Notification email")
	fs.Parse(args)

	if strings.TrimSpace(*name) == "" {
		return errors.New("--name is required")
	}
	if strings.TrimSpace(*email) == "" {
		return errors.New("--email is required")
	}

	c, cfg, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	project, err := c.CreateProject(ctx, *name, *email)
	if err != nil {
		return err
	}
	if cfg.APIKeys == nil {
		cfg.APIKeys = make(map[string]string)
	}
	cfg.APIKeys[project.ID] = project.APIKey
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("project created: %s (%s)\n", project.ID, project.Name)
	fmt.Printf("api key: %s\n", project.APIKey)
	return nil
}

func projectShow(args []string) error {
	fs := flag.NewFlagSet("project show", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}

	c, _, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	project, err := c.GetProject(ctx, *projectID)
	if err != nil {
		return err
	}
	return render(project, func(w io.Writer) {
		fmt.Fprintf(w, "ID\t%s\nNAME\t%s\nEMAIL\t%s\nCREATED\t%s\n", project.ID, project.Name, project.Email, project.CreatedAt.Format(time.RFC3339))
	})
}

func commandPolicy(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: pulsectl policy [list|create|enable|disable]")
	}
	switch args[0] {
	case "list":
		return policyList(args[1:])
	case "create":
		return policyCreate(args[1:])
	case "enable":
		return policyToggle(args[1:], true)
	case "disable":
		return policyToggle(args[1:], false)
	default:
		return fmt.Errorf("unknown policy command: %s", args[0])
	}
}

func policyList(args []string) error {
	fs := flag.NewFlagSet("policy list", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}

	c, _, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	policies, err := c.ListPolicies(ctx, *projectID)
	if err != nil {
		return err
	}
	return render(policies, func(w io.Writer) {
		fmt.Fprintln(w, "ID\tNAME\tRULE\tSEVERITY\tCOOLDOWN\tACTIVE\tLAST TRIGGERED")
		for _, p := range policies {
			last := "-"
			if p.LastTriggeredAt != nil {
				last = p.LastTriggeredAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%d\t%s\t%s %s %g\t%s\t%dm\t%t\t%s\n",
				p.ID, p.Name, p.Metric, p.Comparison, p.Threshold, p.Severity, p.CooldownMinutes, p.IsActive, last)
		}
	})
}

func policyCreate(args []string) error {
	fs := flag.NewFlagSet("policy create", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	name := fs.String("name", "", "Policy name")
	metric := fs.String("metric", "latency_p95", "Metric (latency_p95|error_rate|throughput)")
	comparison := fs.String("comparison", ">", "Comparison (>|<)")
	threshold := fs.Float64("threshold", 0, "Threshold value")
	severity := fs.String("severity", "warn", "Severity (critical|warn|info)")
	cooldown := fs.Int("cooldown", -1, "Cooldown in minutes (server default when omitted)")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	if strings.TrimSpace(*name) == "" {
		return errors.New("--name is required")
	}

	input := client.PolicyInput{
		Name:       *name,
		Metric:     *metric,
		Comparison: *comparison,
		Threshold:  *threshold,
		Severity:   *severity,
	}
	if *cooldown >= 0 {
		input.CooldownMinutes = cooldown
	}

	c, _, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	policy, err := c.CreatePolicy(ctx, *projectID, input)
	if err != nil {
		return err
	}
	fmt.Printf("policy created: %d (%s)\n", policy.ID, policy.Name)
	return nil
}

func policyToggle(args []string, active bool) error {
	fs := flag.NewFlagSet("policy toggle", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	policyID := fs.Int64("policy", 0, "Policy identifier")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	if *policyID <= 0 {
		return errors.New("--policy is required")
	}

	c, _, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	policy, err := c.SetPolicyActive(ctx, *projectID, *policyID, active)
	if err != nil {
		return err
	}
	fmt.Printf("policy %d active=%t\n", policy.ID, policy.IsActive)
	return nil
}

func commandAlerts(args []string) error {
	fs := flag.NewFlagSet("alerts", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	limit := fs.Int("limit", 20, "Maximum number of alerts")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}

	c, _, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	alerts, err := c.ListAlerts(ctx, *projectID, *limit)
	if err != nil {
		return err
	}
	return render(alerts, func(w io.Writer) {
		fmt.Fprintln(w, "TRIGGERED\tSEVERITY\tPOLICY\tMESSAGE")
		for _, a := range alerts {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.TriggeredAt.Format(time.RFC3339), a.Severity, a.PolicyName, a.Message)
		}
	})
}

func commandMetrics(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: pulsectl metrics [raw|agg]")
	}
	switch args[0] {
	case "raw":
		return metricsRaw(args[1:])
	case "agg":
		return metricsAggregated(args[1:])
	default:
		return fmt.Errorf("unknown metrics command: %s", args[0])
	}
}

func metricsRaw(args []string) error {
	fs := flag.NewFlagSet("metrics raw", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	limit := fs.Int("limit", 20, "Maximum number of samples")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}

	c, _, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	samples, err := c.RecentSamples(ctx, *projectID, *limit)
	if err != nil {
		return err
	}
	return render(samples, func(w io.Writer) {
		fmt.Fprintln(w, "TIMESTAMP\tMETHOD\tENDPOINT\tSTATUS\tLATENCY")
		for _, s := range samples {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.1fms\n", s.Timestamp.Format(time.RFC3339), s.Method, s.Endpoint, s.StatusCode, s.LatencyMS)
		}
	})
}

func metricsAggregated(args []string) error {
	fs := flag.NewFlagSet("metrics agg", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	bucket := fs.String("bucket", "1m", "Bucket width (1m|5m|1h)")
	since := fs.Duration("since", 0, "Window length ending now (server default when omitted)")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}

	var from, to time.Time
	if *since > 0 {
		to = time.Now().UTC()
		from = to.Add(-*since)
	}

	c, _, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	buckets, err := c.Aggregated(ctx, *projectID, *bucket, from, to)
	if err != nil {
		return err
	}
	return render(buckets, func(w io.Writer) {
		fmt.Fprintln(w, "BUCKET\tREQUESTS\tERRORS\tP95")
		for _, b := range buckets {
			p95 := "-"
			if b.P95LatencyMS != nil {
				p95 = strconv.FormatFloat(*b.P95LatencyMS, 'f', 1, 64) + "ms"
			}
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", b.BucketStart.Format(time.RFC3339), b.RequestCount, b.ErrorCount, p95)
		}
	})
}

func commandIngest(args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier (used to look up a stored key)")
	key := fs.String("key", "", "Project API key")
	endpoint := fs.String("endpoint", "/healthz", "Endpoint path")
	method := fs.String("method", "GET", "HTTP method")
	status := fs.Int("status", 200, "Status code")
	latency := fs.Float64("latency", 42, "Latency in milliseconds")
	size := fs.Int64("size", 0, "Response size in bytes")
	fs.Parse(args)

	c, cfg, err := newClient()
	if err != nil {
		return err
	}
	apiKey := strings.TrimSpace(*key)
	if apiKey == "" && *projectID != "" {
		apiKey = cfg.APIKeys[*projectID]
	}
	if apiKey == "" {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return errors.New("--key is required")
		}
		fmt.Print("API key: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read api key: %w", err)
		}
		apiKey = strings.TrimSpace(string(raw))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sample := client.Sample{
		Endpoint:          *endpoint,
		Method:            *method,
		StatusCode:        *status,
		LatencyMS:         *latency,
		ResponseSizeBytes: *size,
		Timestamp:         time.Now().UTC(),
	}
	if err := c.Ingest(ctx, apiKey, sample); err != nil {
		return err
	}
	fmt.Println("sample accepted")
	return nil
}

// render prints a table on a terminal and JSON otherwise.
func render(v any, table func(io.Writer)) error {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	table(tw)
	return tw.Flush()
}

func newClient() (*client.Client, cliConfig, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, cliConfig{}, err
	}
	if env := strings.TrimSpace(os.Getenv("PULSE_API")); env != "" {
		cfg.APIBaseURL = env
	}
	c, err := client.New(cfg.APIBaseURL)
	if err != nil {
		return nil, cliConfig{}, err
	}
	return c, cfg, nil
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBase}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "pulse", "config.json"), nil
}

func printUsage() {
	fmt.Printf("pulsectl %s\n\n", buildVersion)
	fmt.Print(`Usage:
	pulsectl config [--api http://localhost:8000]
	pulsectl project list [--limit N]
	pulsectl project create --name <name> --email <email>
	pulsectl project show --project <project-id>
	pulsectl policy list --project <project-id>
	pulsectl policy create --project <project-id> --name <name> [--metric latency_p95] [--comparison >] --threshold N [--severity warn] [--cooldown M]
	pulsectl policy enable|disable --project <project-id> --policy <policy-id>
	pulsectl alerts --project <project-id> [--limit N]
	pulsectl metrics raw --project <project-id> [--limit N]
	pulsectl metrics agg --project <project-id> [--bucket 1m|5m|1h] [--since 1h]
	pulsectl ingest [--project <project-id> | --key <api-key>] [--endpoint /path] [--status 200] [--latency 42]
	pulsectl version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
