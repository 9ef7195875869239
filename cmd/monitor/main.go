package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"bloodgrid/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

func main() {
	addr := flag.String("addr", "http://localhost:8090", "bloodgrid base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	if err := waitHealth(c, 15*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "bloodgrid health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	alertsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	alertsTable.SetTitle("Alerts (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	workflowView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	workflowView.SetTitle("Workflow").SetBorder(true)

	responsesView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	responsesView.SetTitle("Donor Responses").SetBorder(true)

	decisionsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	decisionsView.SetTitle("Agent Decisions").SetBorder(true)

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf("Connected to %s | F5 refresh, F10 quit", c.baseURL))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(workflowView, 8, 0, false).
		AddItem(responsesView, 0, 1, false).
		AddItem(decisionsView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(alertsTable, 0, 1, true).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(statusView, 3, 0, false)

	var selectedAlertID string
	var lastAlerts []domain.Alert

	refreshAlerts := func() {
		alerts, err := c.listAlerts()
		if err != nil {
			app.QueueUpdateDraw(func() {
				alertsTable.Clear()
				alertsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)))
			})
			return
		}
		lastAlerts = alerts
		app.QueueUpdateDraw(func() {
			alertsTable.Clear()
			headers := []string{"ID", "HOSPITAL", "TYPE", "URGENCY", "STATUS", "UNITS"}
			for i, h := range headers {
				alertsTable.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
			}
			for row, a := range alerts {
				alertsTable.SetCell(row+1, 0, tview.NewTableCell(short(a.ID)))
				alertsTable.SetCell(row+1, 1, tview.NewTableCell(short(a.HospitalID)))
				alertsTable.SetCell(row+1, 2, tview.NewTableCell(string(a.BloodType)))
				alertsTable.SetCell(row+1, 3, tview.NewTableCell(string(a.Urgency)))
				alertsTable.SetCell(row+1, 4, tview.NewTableCell(string(a.Status)))
				alertsTable.SetCell(row+1, 5, tview.NewTableCell(fmt.Sprintf("%d", a.UnitsNeeded)))
			}
		})
	}

	refreshDetails := func(alertID string) {
		if alertID == "" {
			return
		}
		var workflowText, responsesText, decisionsText string
		if w, err := c.getWorkflow(alertID); err == nil {
			deadline := "-"
			if w.ResponseDeadlineAt != nil {
				deadline = w.ResponseDeadlineAt.Format(time.RFC3339)
			}
			workflowText = fmt.Sprintf("phase: %s\nstep: %s\ndeadline: %s\nmetadata: %v", w.Status, w.CurrentStep, deadline, w.Metadata)
		} else {
			workflowText = fmt.Sprintf("load error: %v", err)
		}
		if responses, err := c.listResponses(alertID); err == nil {
			var b strings.Builder
			for _, r := range responses {
				flags := ""
				if r.Selected {
					flags += " [selected]"
				}
				if r.Confirmed {
					flags += " [confirmed]"
				}
				fmt.Fprintf(&b, "%s %s eta=%dm score=%.3f%s\n", short(r.DonorID), r.Status, r.ETAMinutes, r.MatchScore, flags)
			}
			responsesText = b.String()
		} else {
			responsesText = fmt.Sprintf("load error: %v", err)
		}
		if decisions, err := c.listDecisions(alertID); err == nil {
			var b strings.Builder
			for _, d := range decisions {
				fmt.Fprintf(&b, "%s %-13s %s\n", d.CreatedAt.Format("15:04:05"), d.AgentType, d.EventType)
			}
			decisionsText = b.String()
		} else {
			decisionsText = fmt.Sprintf("load error: %v", err)
		}
		app.QueueUpdateDraw(func() {
			workflowView.SetText(workflowText)
			responsesView.SetText(responsesText)
			decisionsView.SetText(decisionsText)
		})
	}

	alertsTable.SetSelectedFunc(func(row, _ int) {
		idx := row - 1
		if idx < 0 || idx >= len(lastAlerts) {
			return
		}
		selectedAlertID = lastAlerts[idx].ID
		go refreshDetails(selectedAlertID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF5:
			go func() {
				refreshAlerts()
				refreshDetails(selectedAlertID)
			}()
			return nil
		case tcell.KeyF10:
			app.Stop()
			return nil
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		for range ticker.C {
			refreshAlerts()
			refreshDetails(selectedAlertID)
		}
	}()
	go refreshAlerts()

	if err := app.SetRoot(root, true).SetFocus(alertsTable).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		var out map[string]any
		err := c.getJSON("/healthz", &out)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func (c *client) listAlerts() ([]domain.Alert, error) {
	var out []domain.Alert
	return out, c.getJSON("/alerts?limit=50", &out)
}

func (c *client) getWorkflow(alertID string) (domain.WorkflowState, error) {
	var out domain.WorkflowState
	return out, c.getJSON("/alerts/"+alertID+"/workflow", &out)
}

func (c *client) listResponses(alertID string) ([]domain.DonorResponse, error) {
	var out []domain.DonorResponse
	return out, c.getJSON("/alerts/"+alertID+"/responses", &out)
}

func (c *client) listDecisions(alertID string) ([]domain.AgentDecision, error) {
	var out []domain.AgentDecision
	return out, c.getJSON("/alerts/"+alertID+"/decisions", &out)
}

func (c *client) getJSON(path string, out any) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s: %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func short(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
