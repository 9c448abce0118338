package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/pkg/browser"
	"github.com/sarchlab/vmcore/config"
	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/vmm"
	"github.com/sarchlab/vmcore/monitoring"
	"github.com/sarchlab/vmcore/workload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a workload.",
	Long: "`run` starts one simulated process per configured process and " +
		"checks every load against what was stored.",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		cfg, err := loadRunConfig(cmd)
		if err != nil {
			logrus.Fatalf("Error loading configuration: %v", err)
		}

		logger := logrus.New()
		logger.SetLevel(cfg.Level())

		system, err := vmm.MakeBuilder().
			WithConfig(cfg).
			WithLogger(logger).
			Build("VM")
		if err != nil {
			logger.Fatalf("Error building system: %v", err)
		}

		atexit.Register(func() {
			err := system.Close()
			if err != nil {
				logger.WithError(err).Error("Error closing system")
			}
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		openBrowser, _ := cmd.Flags().GetBool("open-browser")
		keepAlive, _ := cmd.Flags().GetBool("keep-alive")

		runner := workload.NewRunner(system)

		if cfg.MonitorPort != 0 || openBrowser {
			monitor := startMonitor(system, cfg.MonitorPort, openBrowser)
			runner.WithTracker(func(pid vm.PID, total uint64) workload.Tracker {
				return monitor.CreateProgressBar(
					fmt.Sprintf("Process %d", pid), total)
			})
		}

		result, err := runner.Run(ctx, workload.OptionsFromConfig(cfg))
		report(logger, system, result)

		if err != nil {
			logger.Errorf("Workload failed: %v", err)
			atexit.Exit(1)
		}

		if keepAlive {
			logger.Info("Workload done, press Ctrl-C to exit")
			<-ctx.Done()
		}

		atexit.Exit(0)
	},
}

func loadRunConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}

	if cmd.Flags().Changed("trace") {
		cfg.TraceDB, _ = cmd.Flags().GetString("trace")
	}

	if cmd.Flags().Changed("monitor") {
		cfg.MonitorPort, _ = cmd.Flags().GetInt("monitor")
	}

	return cfg, cfg.Validate()
}

func startMonitor(
	system *vmm.System,
	port int,
	openBrowser bool,
) *monitoring.Monitor {
	logger := system.Logger()
	monitor := monitoring.NewMonitor(system).WithPortNumber(port)

	url, err := monitor.StartServer()
	if err != nil {
		logger.Fatalf("Error starting monitor: %v", err)
	}

	if openBrowser {
		err = browser.OpenURL(url)
		if err != nil {
			logger.WithError(err).Warn("Cannot open browser")
		}
	}

	atexit.Register(func() {
		_ = monitor.StopServer(context.Background())
	})

	return monitor
}

func report(logger *logrus.Logger, system *vmm.System, result workload.Result) {
	stats := system.Pager().Stats()
	outs, ins := system.Counters().SwapTransfers()

	logger.WithFields(logrus.Fields{
		"processes": result.Processes,
		"killed":    len(result.Killed),
		"loads":     result.Loads,
		"stores":    result.Stores,
		"faults":    stats.Faults,
		"evictions": stats.Evictions,
		"swap_outs": outs,
		"swap_ins":  ins,
	}).Info("Workload finished")

	for _, pid := range result.Killed {
		logger.WithField("pid", pid).Warn("Process was killed")
	}

	if rec := system.Recorder(); rec != nil {
		logger.Infof("Trace recorded in %s", rec.FileName())
	}
}

func init() {
	runCmd.Flags().StringP("config", "c", "", "TOML configuration file.")
	runCmd.Flags().String("trace", "",
		"Record the paging events into this SQLite database.")
	runCmd.Flags().Int("monitor", 0,
		"Serve the monitor on this port. 0 disables the monitor.")
	runCmd.Flags().Bool("open-browser", false,
		"Open the monitor in a browser. Starts the monitor on a random port "+
			"if no port is given.")
	runCmd.Flags().Bool("keep-alive", false,
		"Keep the monitor running after the workload until interrupted.")

	rootCmd.AddCommand(runCmd)
}
