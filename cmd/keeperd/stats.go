package main

import (
	"bufio"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kvkeeper/keeper/pkg/config"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print a running node's Raft and dispatcher metrics",
	Long: `stats fetches the Prometheus text-format metrics from a running
node's metrics endpoint and prints the keeper-specific gauges.`,
	RunE: runStats,
}

func init() {
	statsCmd.Flags().String("config", "/etc/keeperd/keeperd.yaml", "path to the node config file, used to find the metrics address")
	statsCmd.Flags().String("addr", "", "metrics address to query directly, overriding --config")
}

func runStats(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %v", err)
		}
		addr = cfg.MetricsAddr
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/metrics", addr))
	if err != nil {
		return fmt.Errorf("fetch metrics from %s: %v", addr, err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "keeper_") {
			fmt.Println(line)
		}
	}
	return scanner.Err()
}
