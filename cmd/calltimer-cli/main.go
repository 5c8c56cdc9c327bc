package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	apiHost string
	token   string

	httpClient = &http.Client{Timeout: 15 * time.Second}
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "calltimer-cli",
		Short: "CLI to administer calltimer",
		Long:  `A command line tool to inspect and control a running calltimer service.`,
	}

	rootCmd.PersistentFlags().StringVar(&apiHost, "host", "http://localhost:3000", "Base URL of the service")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("CALLTIMER_TOKEN"), "Admin token (defaults to $CALLTIMER_TOKEN)")

	var healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Show service health",
		RunE:  runHealth,
	}

	var loginCmd = &cobra.Command{
		Use:   "login",
		Short: "Obtain an admin token",
		RunE:  runLogin,
	}
	loginCmd.Flags().String("user", "admin", "Admin username")
	loginCmd.Flags().String("password", "", "Admin password (required)")
	loginCmd.MarkFlagRequired("password")

	// === CALLS ===
	var callsCmd = &cobra.Command{
		Use:   "calls",
		Short: "Inspect tracked calls",
	}

	var callsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List tracked calls",
		RunE:  runCallsList,
	}

	var callsEndCmd = &cobra.Command{
		Use:   "end [call-id]",
		Short: "End a tracked call now",
		Args:  cobra.ExactArgs(1),
		RunE:  runCallsEnd,
	}

	var callsHistoryCmd = &cobra.Command{
		Use:   "history [call-id]",
		Short: "Show recorded call events",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runCallsHistory,
	}
	callsHistoryCmd.Flags().Int("limit", 50, "Maximum number of events")

	callsCmd.AddCommand(callsListCmd, callsEndCmd, callsHistoryCmd)

	var endCallCmd = &cobra.Command{
		Use:   "end-call",
		Short: "Send end-call directly to a control URL (bypasses tracking)",
		RunE:  runEndCall,
	}
	endCallCmd.Flags().String("control-url", "", "Control URL of the call (required)")
	endCallCmd.Flags().String("call-id", "", "Call id, for the record")
	endCallCmd.MarkFlagRequired("control-url")

	rootCmd.AddCommand(healthCmd, loginCmd, callsCmd, endCallCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// --- HANDLERS ---

func runHealth(cmd *cobra.Command, args []string) error {
	var health map[string]interface{}
	if err := request(http.MethodGet, "/health", nil, &health); err != nil {
		return err
	}
	var root map[string]interface{}
	if err := request(http.MethodGet, "/", nil, &root); err != nil {
		return err
	}
	fmt.Printf("Status:       %v\n", health["status"])
	fmt.Printf("Active calls: %v\n", health["activeCalls"])
	fmt.Printf("Max duration: %v\n", root["maxDuration"])
	return nil
}

func runLogin(cmd *cobra.Command, args []string) error {
	user, _ := cmd.Flags().GetString("user")
	password, _ := cmd.Flags().GetString("password")

	var resp struct {
		Token string `json:"token"`
	}
	if err := request(http.MethodPost, "/api/v1/login", map[string]string{"username": user, "password": password}, &resp); err != nil {
		return err
	}
	fmt.Println(resp.Token)
	fmt.Fprintln(os.Stderr, "export CALLTIMER_TOKEN=<token> to reuse it")
	return nil
}

type callSnapshot struct {
	CallID         string  `json:"callId"`
	ControlURL     string  `json:"controlUrl"`
	StartTime      string  `json:"startTime"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`
	Ended          bool    `json:"ended"`
	Reason         string  `json:"reason"`
}

func runCallsList(cmd *cobra.Command, args []string) error {
	var list []callSnapshot
	if err := request(http.MethodGet, "/api/v1/calls", nil, &list); err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No tracked calls")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "CALL ID\tELAPSED\tENDED\tREASON\tCONTROL URL")
	fmt.Fprintln(w, "-------\t-------\t-----\t------\t-----------")
	for _, c := range list {
		fmt.Fprintf(w, "%s\t%.1fs\t%v\t%s\t%s\n", c.CallID, c.ElapsedSeconds, c.Ended, c.Reason, c.ControlURL)
	}
	return w.Flush()
}

func runCallsEnd(cmd *cobra.Command, args []string) error {
	var resp struct {
		Ended bool         `json:"ended"`
		Call  callSnapshot `json:"call"`
	}
	if err := request(http.MethodPost, "/api/v1/calls/"+args[0]+"/end", nil, &resp); err != nil {
		return err
	}
	if resp.Ended {
		fmt.Printf("✓ Call %s ended after %.1fs\n", args[0], resp.Call.ElapsedSeconds)
	} else {
		fmt.Printf("Call %s was already ended (%s)\n", args[0], resp.Call.Reason)
	}
	return nil
}

func runCallsHistory(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	path := fmt.Sprintf("/api/v1/history?limit=%d", limit)
	if len(args) == 1 {
		path = fmt.Sprintf("/api/v1/calls/%s/history?limit=%d", args[0], limit)
	}

	var entries []struct {
		CallID         string  `json:"callId"`
		Event          string  `json:"event"`
		Reason         string  `json:"reason"`
		OccurredAt     string  `json:"occurredAt"`
		ElapsedSeconds float64 `json:"elapsedSeconds"`
		Error          string  `json:"error"`
	}
	if err := request(http.MethodGet, path, nil, &entries); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "TIME\tCALL ID\tEVENT\tREASON\tELAPSED\tERROR")
	fmt.Fprintln(w, "----\t-------\t-----\t------\t-------\t-----")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1fs\t%s\n", e.OccurredAt, e.CallID, e.Event, e.Reason, e.ElapsedSeconds, e.Error)
	}
	return w.Flush()
}

func runEndCall(cmd *cobra.Command, args []string) error {
	controlURL, _ := cmd.Flags().GetString("control-url")
	callID, _ := cmd.Flags().GetString("call-id")

	var resp map[string]interface{}
	if err := request(http.MethodPost, "/test/end-call", map[string]string{"callId": callID, "controlUrl": controlURL}, &resp); err != nil {
		return err
	}
	fmt.Printf("✓ end-call sent, platform answered: %v\n", resp["response"])
	return nil
}

func request(method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, apiHost+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to API: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("API error: %s: %s", resp.Status, bytes.TrimSpace(data))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
