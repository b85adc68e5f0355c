package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"veilidcore/node"
	"veilidcore/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "veilidnode", Short: "run a Veilid overlay node"}
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(versionCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the node version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(config.Version)
		},
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "start the node and attach to the network",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, _ := cmd.Flags().GetString("config")
			interactive, _ := cmd.Flags().GetBool("interactive")

			cfg, err := config.Load(env)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			log := logrus.New()
			if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
				log.SetLevel(lvl)
			}

			n, err := node.New(cfg, node.Options{
				Log: log,
				Update: func(u node.Update) {
					log.WithField("event", u.Kind.String()).Debug("core update")
				},
			})
			if err != nil {
				return err
			}
			if err := n.Startup(); err != nil {
				return err
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

			if interactive {
				go debugLoop(n)
			}
			<-sig
			return n.Shutdown()
		},
	}
	cmd.Flags().String("config", "", "config environment name (merges <name>.yaml over veilid.yaml)")
	cmd.Flags().Bool("interactive", false, "read debug commands from stdin")
	return cmd
}

func debugLoop(n *node.Node) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		fmt.Println(n.Debug(line))
	}
}
