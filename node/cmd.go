package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stormsense/loralink/cmd"
	"github.com/stormsense/loralink/config"
	"github.com/stormsense/loralink/firmware"
	"github.com/stormsense/loralink/logging"
	"github.com/stormsense/loralink/metrics"
	"github.com/stormsense/loralink/radio"
	"github.com/stormsense/loralink/radio/rylr"
	"github.com/stormsense/loralink/settings"
)

var configPath string

var CMD = &cobra.Command{
	Use:   "node",
	Short: "run a loralink node",
	RunE:  runNode,
}

func init() {
	CMD.Flags().StringVarP(&configPath, "config", "c", "/etc/loralink/config.yaml", "config file")
	cmd.CMD.AddCommand(CMD)
}

// viewServer is set by the view package; keeping the dependency one-way
// avoids an import cycle between node and view.
var viewServer func(ctx context.Context, n *Node, addr string, metricsHandler http.Handler) error

// SetViewServer registers the web view launcher used by the node command.
func SetViewServer(fn func(ctx context.Context, n *Node, addr string, metricsHandler http.Handler) error) {
	viewServer = fn
}

func runNode(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := settings.NewStore(cfg.Node.SettingsPath)
	params, sender, err := store.Load(cfg.DefaultParams(), cfg.Node.Sender)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	ch, err := openChannel(cfg)
	if err != nil {
		return err
	}
	defer ch.Close()

	images, err := firmware.NewStore(cfg.Firmware.Dir, logging.For("firmware"))
	if err != nil {
		return err
	}
	defer images.Close()

	log := logging.For("node")
	n := New(Options{
		Sender:       sender,
		Params:       params,
		MaxImageSize: cfg.Node.MaxImageSize,
		FlashPath:    cfg.Node.FlashPath,
	}, ch, store, images, LogDisplay{Log: logging.For("display")}, log)

	promHandler, err := metrics.InitPrometheus()
	if err != nil {
		return fmt.Errorf("init prometheus exporter: %w", err)
	}
	if err := metrics.Init(); err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	metrics.SetSource(func() metrics.Snapshot {
		s := n.Status()
		return metrics.Snapshot{
			PacketsSent:     s.PacketsSent,
			PacketsReceived: s.PacketsReceived,
			TxErrors:        s.TxErrors,
			RxErrors:        s.RxErrors,
			PingSeq:         s.PingSeq,
			LastRSSI:        s.LastRSSI,
			LastSNR:         s.LastSNR,
			OtaBytes:        s.OtaBytes,
			OtaProgress:     s.OtaProgress,
		}
	})

	if viewServer != nil {
		go func() {
			if err := viewServer(ctx, n, cfg.Server.ListenAddr, promHandler); err != nil {
				log.Error("web view failed", "err", err)
			}
		}()
	}

	err = n.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info("shutting down")
		return nil
	}
	return err
}

func openChannel(cfg *config.Config) (radio.Channel, error) {
	if cfg.Radio.Type == "demo" {
		return radio.Demo(), nil
	}

	rcfg := rylr.Config{
		Port:      cfg.Radio.Port,
		BaudRate:  cfg.Radio.BaudRate,
		Address:   uint16(cfg.Radio.Address),
		PeerAddr:  uint16(cfg.Radio.PeerAddr),
		NetworkID: uint8(cfg.Radio.NetworkID),
	}
	log := logging.For("rylr")

	// the modem can take a moment to enumerate after power-on
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		var ch radio.Channel
		ch, err = rylr.Open(rcfg, log)
		if err == nil {
			return ch, nil
		}
		log.Warn("modem open failed", "attempt", attempt, "err", err)
		time.Sleep(2 * time.Second)
	}
	return nil, fmt.Errorf("open radio: %w", err)
}
