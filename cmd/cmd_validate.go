package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"github.com/wildoasis/dashcache/core"
	"github.com/wildoasis/dashcache/serv"
	"go.uber.org/zap"
)

var (
	testVerbose bool
	testJSON    bool
)

// TestResult holds the overall test results
type TestResult struct {
	Success  bool            `json:"success"`
	Services []ServiceStatus `json:"services"`
	Error    string          `json:"error,omitempty"`
	Duration string          `json:"duration"`
}

// ServiceStatus holds the status of a single service
type ServiceStatus struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Note    string `json:"note,omitempty"`
}

func testCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "test",
		Short: "Validate config and test connectivity to the backend",
		Long: `Validate configuration and test connectivity to the configured services:
- Backend (memory, rest or postgres)
- Blob storage
- Each configured resource, listed once through the query cache

Exit codes:
  0 - All services validated successfully
  1 - Configuration or service connection failed`,
		Run: cmdTest,
	}
	c.Flags().BoolVarP(&testVerbose, "verbose", "v", false, "Show detailed output for each service")
	c.Flags().BoolVar(&testJSON, "json", false, "Output results in JSON format")
	return c
}

func cmdTest(cmd *cobra.Command, args []string) {
	setup(cpath)

	result := runTests(conf, log.Desugar())
	outputResult(os.Stdout, result)
	if !result.Success {
		os.Exit(1)
	}
}

// runTests validates conf, starts a service with it and checks each
// configured service in turn, stopping at the first failure
func runTests(conf *serv.Config, zlog *zap.Logger) TestResult {
	startTime := time.Now()
	var services []ServiceStatus

	services = append(services, ServiceStatus{
		Name:   "config",
		Type:   "yaml",
		Status: "ok",
		Note:   conf.ConfigFileUsed(),
	})

	if err := conf.Validate(); err != nil {
		services[0].Status = "failed"
		services[0].Note = err.Error()
		return failure(err, services, startTime)
	}

	service, err := serv.NewService(conf, serv.OptionSetLogger(zlog))
	if err != nil {
		return failure(err, services, startTime)
	}
	defer service.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	if err := service.Check(ctx); err != nil {
		services = append(services, ServiceStatus{
			Name:   "backend",
			Type:   conf.Backend.Type,
			Status: "failed",
			Note:   err.Error(),
		})
		return failure(err, services, startTime)
	}
	services = append(services, ServiceStatus{
		Name:    "backend",
		Type:    conf.Backend.Type,
		Status:  "ok",
		Latency: time.Since(start).String(),
	})

	services = append(services, ServiceStatus{
		Name:   "storage",
		Type:   conf.Storage.Type,
		Status: "ok",
	})

	res, err := testResources(ctx, conf, service)
	services = append(services, res...)
	if err != nil {
		return failure(err, services, startTime)
	}

	return success(services, startTime)
}

// testResources lists every configured resource once
func testResources(ctx context.Context, conf *serv.Config, s *serv.Service) ([]ServiceStatus, error) {
	var results []ServiceStatus

	names := make([]string, 0, len(conf.Resources))
	for name := range conf.Resources {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		start := time.Now()

		rows, err := s.Client().List(ctx, name, nil, core.UseDefault)
		if err != nil {
			results = append(results, ServiceStatus{
				Name:   fmt.Sprintf("resource:%s", name),
				Type:   "list",
				Status: "failed",
				Note:   err.Error(),
			})
			return results, fmt.Errorf("resource '%s': %w", name, err)
		}

		results = append(results, ServiceStatus{
			Name:    fmt.Sprintf("resource:%s", name),
			Type:    "list",
			Status:  "ok",
			Latency: time.Since(start).String(),
			Note:    fmt.Sprintf("%d rows", len(rows)),
		})
	}

	return results, nil
}

func success(services []ServiceStatus, start time.Time) TestResult {
	return TestResult{
		Success:  true,
		Services: services,
		Duration: time.Since(start).String(),
	}
}

func failure(err error, services []ServiceStatus, start time.Time) TestResult {
	return TestResult{
		Success:  false,
		Services: services,
		Error:    err.Error(),
		Duration: time.Since(start).String(),
	}
}

func outputResult(w io.Writer, result TestResult) {
	if testJSON {
		output, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(w, string(output))
		return
	}

	fmt.Fprintln(w)
	for _, svc := range result.Services {
		status := "OK"
		if svc.Status == "failed" {
			status = "FAILED"
		}
		line := fmt.Sprintf("  %s (%s): %s", svc.Name, svc.Type, status)
		if svc.Latency != "" && testVerbose {
			line += fmt.Sprintf(" [%s]", svc.Latency)
		}
		if svc.Note != "" {
			if svc.Status == "failed" || testVerbose {
				line += fmt.Sprintf(" - %s", svc.Note)
			}
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintln(w)

	if result.Success {
		fmt.Fprintf(w, "All services validated (%s)\n", result.Duration)
	} else {
		fmt.Fprintf(w, "Service validation failed: %s (%s)\n", result.Error, result.Duration)
	}
}
