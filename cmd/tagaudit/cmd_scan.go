package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tagaudit/internal/service"
	"tagaudit/pkg/model"
)

var scanFlags struct {
	rules         []string
	waitUntil     string
	devTools      string
	noStore       bool
	out           string
	compact       bool
	failOnInvalid bool
}

var scanCmd = &cobra.Command{
	Use:   "scan URL...",
	Short: "Scan pages, detect tags and evaluate rules",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runScan,
}

var errInvalid = errors.New("one or more audits are invalid")

func init() {
	f := scanCmd.Flags()
	f.StringSliceVarP(&scanFlags.rules, "rules", "r", nil, "rule YAML file (repeatable)")
	f.StringVar(&scanFlags.waitUntil, "wait", "", "navigation wait condition: load, domcontentloaded, networkidle")
	f.StringVar(&scanFlags.devTools, "devtools", "", "connect to a running browser instead of launching one")
	f.BoolVar(&scanFlags.noStore, "no-store", false, "do not persist results")
	f.StringVarP(&scanFlags.out, "out", "o", "", "write JSON to file instead of stdout")
	f.BoolVar(&scanFlags.compact, "compact", false, "compact JSON output")
	f.BoolVar(&scanFlags.failOnInvalid, "fail-on-invalid", false, "exit non-zero when a rule report is invalid or a scan fails")
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if scanFlags.devTools != "" {
		cfg.Browser.DevToolsURL = scanFlags.devTools
	}
	if scanFlags.noStore {
		cfg.Sqlite.DSN = ""
	}
	defs, err := loadRuleFiles(append(append([]string{}, cfg.Rules.Files...), scanFlags.rules...))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(cfg, nil, log)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := svc.Close(cctx); err != nil {
			log.Err(err, "关闭服务失败")
		}
	}()
	if err := svc.Start(ctx); err != nil {
		return err
	}

	reqs := make([]model.AuditRequest, 0, len(args))
	for _, u := range args {
		reqs = append(reqs, model.AuditRequest{URL: u, WaitUntil: scanFlags.waitUntil, Rules: defs})
	}
	results, err := svc.AuditMany(ctx, reqs)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if scanFlags.out != "" {
		f, err := os.Create(scanFlags.out)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		w = f
	}
	if err := writeResults(w, results, !scanFlags.compact); err != nil {
		return err
	}
	if scanFlags.failOnInvalid && !allValid(results) {
		return errInvalid
	}
	return nil
}

// writeResults 单个结果输出对象，多个输出数组
func writeResults(w io.Writer, results []*model.AuditResult, indent bool) error {
	enc := json.NewEncoder(w)
	if indent {
		enc.SetIndent("", "  ")
	}
	if len(results) == 1 {
		return enc.Encode(results[0])
	}
	return enc.Encode(results)
}

func allValid(results []*model.AuditResult) bool {
	for _, r := range results {
		if r == nil || r.Scan == nil || !r.Scan.Success {
			return false
		}
		if r.Report != nil && !r.Report.Summary.IsValid {
			return false
		}
	}
	return true
}
