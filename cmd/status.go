package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/drostlabs/drost/pkg/control"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gateway and provider status",
		Run: func(cmd *cobra.Command, args []string) {
			runStatus()
		},
	}
}

func (c *chatClient) get(path string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: HTTP %d", path, resp.StatusCode)
	}
	return json.Unmarshal(data, out)
}

func runStatus() {
	client := newChatClient()

	var st control.StatusResponse
	if err := client.get("/status", &st); err != nil {
		fmt.Fprintf(os.Stderr, "gateway unreachable: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("state:  %s\n", st.State)
	fmt.Printf("uptime: %ds\n", st.UptimeSec)
	for _, reason := range st.DegradedReasons {
		fmt.Printf("degraded: %s\n", reason)
	}

	var provs []control.ProviderStatus
	if err := client.get("/providers/status", &provs); err != nil {
		fmt.Fprintf(os.Stderr, "providers: %v\n", err)
		return
	}
	if len(provs) == 0 {
		return
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tADAPTER\tMODEL\tSTATUS")
	for _, p := range provs {
		status := p.Code
		if p.OK {
			status = "ok"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ProviderID, p.AdapterID, p.Model, status)
	}
	w.Flush()
}
