package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/cobra"

	"github.com/syndro-project/syndro/internal/checkpoint"
	"github.com/syndro-project/syndro/internal/config"
	"github.com/syndro-project/syndro/internal/discovery"
	"github.com/syndro-project/syndro/internal/model"
	"github.com/syndro-project/syndro/internal/observability"
	"github.com/syndro-project/syndro/internal/transfer"
	"github.com/syndro-project/syndro/internal/truststore"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "syndroctl",
		Short: "Command-line client for the syndro LAN file transfer daemon",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a JSON config file overlaying the defaults")

	root.AddCommand(newSendCmd(&configPath))
	root.AddCommand(newDiscoverCmd())
	root.AddCommand(newTrustCmd(&configPath))
	root.AddCommand(newStatusCmd())
	return root
}

func loadConfig(configPath string) (*config.Config, error) {
	return config.Load(configPath)
}

// --- send ---

func newSendCmd(configPath *string) *cobra.Command {
	var to, senderName, senderToken string
	var encrypt bool

	cmd := &cobra.Command{
		Use:   "send [files...]",
		Short: "Send one or more files to a peer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" {
				return fmt.Errorf("--to is required (host:port of the receiving device)")
			}
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			items, err := buildTransferItems(args)
			if err != nil {
				return err
			}

			logger := observability.NewLogger("syndroctl", "1.0.0", os.Stdout)
			metrics := observability.NewMetrics()
			events := transfer.NewEventPublisher(32)
			checkpoints, err := checkpoint.NewStore(cfg.CheckpointDirectory)
			if err != nil {
				return err
			}

			self := transfer.Identity{ID: senderIdentityID(), Name: senderDisplayName(senderName)}
			parallelClass := config.ParallelClassForRAM(localRAMBytes())

			sender := transfer.NewSender(self, checkpoints, events, logger, metrics, transfer.OutboundConfig{
				RetryAttempts:        cfg.RetryAttempts,
				RetryDelay:           cfg.RetryDelay,
				InitiateTimeout:      cfg.InitiateTimeout,
				ApprovalPollInterval: cfg.ApprovalPollInterval,
				ApprovalPollTimeout:  cfg.ApprovalPollTimeout,
				SequentialChunkSize:  cfg.SequentialChunkSize,
				MaxChunkRecordSize:   cfg.MaxChunkRecordSize,
				ParallelClass:        parallelClass,
			})

			var total int64
			for _, it := range items {
				total += int64(it.Size)
			}
			bar := progressbar.DefaultBytes(total, "sending")

			subID, progressCh := events.Subscribe("")
			done := make(chan struct{})
			go func() {
				defer close(done)
				for ev := range progressCh {
					if ev.Type == transfer.EventProgress {
						bar.Set64(int64(ev.ProgressPercent * float64(total) / 100))
					}
				}
			}()

			baseURL := "http://" + to
			sendErr := sender.Send(context.Background(), baseURL, items, senderToken, encrypt)
			events.Unsubscribe(subID)
			<-done
			if sendErr != nil {
				return fmt.Errorf("send failed: %w", sendErr)
			}
			fmt.Printf("transfer complete: %s sent\n", humanize.Bytes(uint64(total)))
			return nil
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "host:port of the receiving device")
	cmd.Flags().StringVar(&senderName, "name", "", "display name to present to the receiver")
	cmd.Flags().StringVar(&senderToken, "token", "", "trust token, if previously trusted by the receiver")
	cmd.Flags().BoolVar(&encrypt, "encrypt", true, "negotiate end-to-end encryption for this transfer")
	return cmd
}

func buildTransferItems(paths []string) ([]model.TransferItem, error) {
	items := make([]model.TransferItem, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s: directory transfers are not yet supported by this client", p)
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		modTime := info.ModTime()
		items = append(items, model.TransferItem{
			Name:         filepath.Base(p),
			AbsolutePath: abs,
			Size:         uint64(info.Size()),
			ModifiedAt:   &modTime,
		})
	}
	return items, nil
}

func senderIdentityID() string {
	if v := os.Getenv("SYNDRO_DEVICE_ID"); v != "" {
		return v
	}
	hostname, _ := os.Hostname()
	return "cli-" + hostname
}

func senderDisplayName(override string) string {
	if override != "" {
		return override
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		return "syndroctl"
	}
	return hostname
}

func localRAMBytes() int64 {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 4 << 30
	}
	return int64(v.Total)
}

// --- discover ---

func newDiscoverCmd() *cobra.Command {
	var window time.Duration

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Listen for peers advertising themselves on the LAN",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.NewLogger("syndroctl", "1.0.0", os.Stdout)
			registry := discovery.NewRegistry("cli-" + fmt.Sprint(os.Getpid()))

			beacon, err := discovery.OpenBeacon(discovery.BeaconSelf{ID: "cli-discover", Name: "syndroctl"}, logger)
			if err != nil {
				return err
			}
			defer beacon.Close()

			go beacon.RunReceiver(registry)

			scanner := discovery.NewScanner("cli-discover", 500, time.Minute, logger)
			ctx, cancel := context.WithTimeout(context.Background(), window)
			defer cancel()
			_ = scanner.Scan(ctx, registry)

			<-ctx.Done()

			devices := registry.List()
			if len(devices) == 0 {
				fmt.Println("no peers found")
				return nil
			}
			for _, d := range devices {
				fmt.Printf("%-36s %-20s %-10s %s:%d\n", d.ID, d.Name, d.Platform, d.IP, d.Port)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&window, "window", 5*time.Second, "how long to listen before reporting results")
	return cmd
}

// --- trust ---

func newTrustCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Manage trusted sender devices",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <senderId> <senderName> <token>",
		Args:  cobra.ExactArgs(3),
		Short: "Mark a sender as trusted so future transfers skip the approval prompt",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openTrustStore(*configPath)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.Trust(model.TrustedDevice{SenderID: args[0], SenderName: args[1], Token: args[2]})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <senderId>",
		Args:  cobra.ExactArgs(1),
		Short: "Remove a sender's trusted status",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openTrustStore(*configPath)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.Revoke(args[0])
		},
	})
	return cmd
}

func openTrustStore(configPath string) (*truststore.Store, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDirectory, 0o755); err != nil {
		return nil, err
	}
	return truststore.Open(filepath.Join(cfg.DataDirectory, "trust.db"), cfg.TrustTokenTTL)
}

// --- status ---

func newStatusCmd() *cobra.Command {
	var host string

	cmd := &cobra.Command{
		Use:   "status <transferId>",
		Short: "Query a peer for the status of a transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if host == "" {
				return fmt.Errorf("--host is required")
			}
			resp, err := http.Get("http://" + host + "/transfer/status/" + args[0])
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			var status struct {
				Status           string `json:"status"`
				BytesTransferred uint64 `json:"bytesTransferred"`
				TotalBytes       uint64 `json:"totalBytes"`
				ErrorMessage     string `json:"errorMessage,omitempty"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return err
			}
			fmt.Printf("status: %s (%s / %s)\n", status.Status,
				humanize.Bytes(status.BytesTransferred), humanize.Bytes(status.TotalBytes))
			if status.ErrorMessage != "" {
				fmt.Println("error:", status.ErrorMessage)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "host:port of the peer to query")
	return cmd
}
