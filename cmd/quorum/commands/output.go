package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/MEKXH/quorum/internal/approval"
	"github.com/MEKXH/quorum/internal/render"
)

const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

func validateOutput(format string) error {
	switch format {
	case outputText, outputJSON, outputYAML:
		return nil
	default:
		return fmt.Errorf("invalid --output %q (text|json|yaml)", format)
	}
}

// printStructured writes v as JSON or YAML. YAML keys follow the JSON tags.
func printStructured(format string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if format == outputJSON {
		fmt.Println(string(data))
		return nil
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(generic)
}

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#8E4EC6")).
			Padding(0, 1).
			MarginBottom(1)
	colHeaderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8E4EC6")).
			Bold(true).
			MarginRight(1)
	idStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).MarginRight(1)
	cellStyle = lipgloss.NewStyle().MarginRight(1)
	sepStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).MarginRight(1)
)

func statusColor(s approval.Status) lipgloss.Color {
	switch s {
	case approval.StatusApproved:
		return lipgloss.Color("#2E8B57")
	case approval.StatusRejected:
		return lipgloss.Color("#C0392B")
	case approval.StatusExpired, approval.StatusCancelled:
		return lipgloss.Color("241")
	default:
		return lipgloss.Color("#D4A017")
	}
}

func statusBadge(s approval.Status) string {
	return lipgloss.NewStyle().Bold(true).Foreground(statusColor(s)).Render(string(s))
}

func printRequestTable(title string, reqs []*approval.Request) {
	if len(reqs) == 0 {
		fmt.Println("No approval requests.")
		return
	}
	const (
		wID       = 44
		wTitle    = 28
		wEnv      = 12
		wStatus   = 10
		wProgress = 14
	)

	fmt.Println(headerStyle.Render(title))
	headers := lipgloss.JoinHorizontal(lipgloss.Top,
		colHeaderStyle.Width(wID).Render("ID"),
		colHeaderStyle.Width(wTitle).Render("TITLE"),
		colHeaderStyle.Width(wEnv).Render("ENV"),
		colHeaderStyle.Width(wStatus).Render("STATUS"),
		colHeaderStyle.Width(wProgress).Render("PROGRESS"),
	)
	fmt.Printf("  %s\n", headers)
	separator := lipgloss.JoinHorizontal(lipgloss.Top,
		sepStyle.Render(strings.Repeat("─", wID)),
		sepStyle.Render(strings.Repeat("─", wTitle)),
		sepStyle.Render(strings.Repeat("─", wEnv)),
		sepStyle.Render(strings.Repeat("─", wStatus)),
		sepStyle.Render(strings.Repeat("─", wProgress)),
	)
	fmt.Printf("  %s\n", separator)

	for _, req := range reqs {
		row := lipgloss.JoinHorizontal(lipgloss.Top,
			idStyle.Width(wID).Render(truncate(req.ID, wID)),
			cellStyle.Width(wTitle).Render(truncate(req.Title, wTitle)),
			cellStyle.Width(wEnv).Render(truncate(req.Environment, wEnv)),
			cellStyle.Width(wStatus).Foreground(statusColor(req.Status)).Render(string(req.Status)),
			cellStyle.Width(wProgress).Render(render.Progress(req)),
		)
		fmt.Printf("  %s\n", row)
	}
	fmt.Println()
}

func printRequestDetail(req *approval.Request) {
	fmt.Printf("%s %s\n", statusBadge(req.Status), req.ID)
	fmt.Println(stripMarkers(render.Detail(req)))
}

// stripMarkers removes the chat emphasis markers render emits.
func stripMarkers(s string) string {
	return strings.NewReplacer("**", "", "`", "").Replace(s)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 1 {
		return string(r[:max])
	}
	return string(r[:max-1]) + "…"
}
