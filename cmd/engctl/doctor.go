package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kilnforge/engine/internal/agent"
	"github.com/kilnforge/engine/internal/enginerr"
	"github.com/kilnforge/engine/internal/gitutil"
)

var doctorJSON bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that this repo is ready to run the engine",
	Long: `doctor validates the prerequisites auto/run/scout depend on: a git
repository with a remote, a clean working tree, a resolved config, an
open session database, and a registered agent backend. Optional
checks are reported as warnings and never fail the command.`,
	RunE: runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "Output results as JSON")
	rootCmd.AddCommand(doctorCmd)
}

type doctorCheck struct {
	Name     string `json:"name"`
	Status   string `json:"status"` // pass, warn, fail
	Detail   string `json:"detail"`
	Required bool   `json:"required"`
}

type doctorOutput struct {
	Checks  []doctorCheck `json:"checks"`
	Result  string        `json:"result"`
	Summary string        `json:"summary"`
}

func runDoctor(cmd *cobra.Command, args []string) error {
	checks := gatherDoctorChecks()
	out := computeDoctorResult(checks)
	w := cmd.OutOrStdout()

	if doctorJSON {
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal doctor output: %w", err)
		}
		fmt.Fprintln(w, string(data))
	} else {
		renderDoctorTable(w, out)
	}

	if out.Result == "UNHEALTHY" {
		return fmt.Errorf("doctor failed: one or more required checks did not pass")
	}
	return nil
}

func gatherDoctorChecks() []doctorCheck {
	root, err := resolveRepoRoot()
	if err != nil {
		return []doctorCheck{{Name: "Git repository", Status: "fail", Detail: err.Error(), Required: true}}
	}
	checks := []doctorCheck{{Name: "Git repository", Status: "pass", Detail: root, Required: true}}
	checks = append(checks, checkRemote(root), checkWorkingTree(root), checkSession(), checkBackend())
	return checks
}

func checkRemote(root string) doctorCheck {
	hasRemote, err := gitutil.HasRemote(root, gitutil.DefaultTimeout)
	if err != nil {
		return doctorCheck{Name: "Remote", Status: "fail", Detail: err.Error(), Required: true}
	}
	if !hasRemote {
		return doctorCheck{Name: "Remote", Status: "fail", Detail: enginerr.ErrNoRemote.Error(), Required: true}
	}
	return doctorCheck{Name: "Remote", Status: "pass", Detail: "origin configured", Required: true}
}

func checkWorkingTree(root string) doctorCheck {
	dirty, err := gitutil.IsWorkingTreeDirty(root, gitutil.DefaultTimeout)
	if err != nil {
		return doctorCheck{Name: "Working tree", Status: "warn", Detail: err.Error(), Required: false}
	}
	if dirty {
		return doctorCheck{Name: "Working tree", Status: "warn", Detail: "uncommitted changes present", Required: false}
	}
	return doctorCheck{Name: "Working tree", Status: "pass", Detail: "clean", Required: false}
}

func checkSession() doctorCheck {
	s, cfg, err := openSession()
	if err != nil {
		return doctorCheck{Name: "Session", Status: "fail", Detail: err.Error(), Required: true}
	}
	defer s.Close()
	return doctorCheck{
		Name:     "Session",
		Status:   "pass",
		Detail:   fmt.Sprintf("db_path=%s qa_commands=%d", cfg.DBPath, len(cfg.QA.Commands)),
		Required: true,
	}
}

func checkBackend() doctorCheck {
	kind := agent.Kind(flagBackend)
	if kind == "" {
		kind = agent.KindClaude
	}
	if _, err := agent.New(kind); err != nil {
		return doctorCheck{
			Name:     "Agent backend",
			Status:   "warn",
			Detail:   fmt.Sprintf("%s not registered — run/auto will fail until a transport is wired", kind),
			Required: false,
		}
	}
	return doctorCheck{Name: "Agent backend", Status: "pass", Detail: fmt.Sprintf("%s registered", kind), Required: false}
}

func doctorStatusIcon(status string) string {
	switch status {
	case "pass":
		return "✓"
	case "warn":
		return "!"
	default:
		return "✗"
	}
}

func renderDoctorTable(w io.Writer, out doctorOutput) {
	fmt.Fprintln(w, "engctl doctor")
	fmt.Fprintln(w, strings.Repeat("-", 13))

	maxName := 0
	for _, c := range out.Checks {
		if len(c.Name) > maxName {
			maxName = len(c.Name)
		}
	}
	for _, c := range out.Checks {
		padding := strings.Repeat(" ", maxName-len(c.Name))
		fmt.Fprintf(w, "%s %s%s  %s\n", doctorStatusIcon(c.Status), c.Name, padding, c.Detail)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, out.Summary)
}

func computeDoctorResult(checks []doctorCheck) doctorOutput {
	passes, fails, warns := 0, 0, 0
	for _, c := range checks {
		switch {
		case c.Status == "pass":
			passes++
		case c.Status == "fail" && c.Required:
			fails++
		default:
			warns++
		}
	}
	result := "HEALTHY"
	switch {
	case fails > 0:
		result = "UNHEALTHY"
	case warns > 0:
		result = "DEGRADED"
	}
	summary := fmt.Sprintf("%d/%d checks passed", passes, len(checks))
	if warns > 0 {
		summary += fmt.Sprintf(", %d warning(s)", warns)
	}
	if fails > 0 {
		summary += fmt.Sprintf(", %d failed", fails)
	}
	return doctorOutput{Checks: checks, Result: result, Summary: summary}
}
