// Command agent is a headless desklink peer. It registers a device with the
// signaling server, takes part in the sessions the registry starts for it
// and logs the control input it receives; injecting that input into the
// desktop is left to the host integration.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/mossy-p/desklink/config"
	"github.com/mossy-p/desklink/internal/agent"
	"github.com/mossy-p/desklink/internal/ice"
	"github.com/mossy-p/desklink/internal/logging"
	"github.com/mossy-p/desklink/internal/peer"
	"github.com/mossy-p/desklink/internal/signaling"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Agent.UserToken == "" {
		logger.Fatal("USER_TOKEN is required")
	}
	deviceID := cfg.Agent.DeviceID
	if deviceID == "" {
		deviceID = uuid.NewString()
		logger.Info("generated device id; set DEVICE_ID to keep it stable", zap.String("device_id", deviceID))
	}

	rtcConfig, err := ice.NewProvider(cfg.ICE, logger).Configuration()
	if err != nil {
		logger.Fatal("failed to build ICE configuration", zap.Error(err))
	}
	api, err := peer.NewAPI(logging.PionFactory{Logger: logger}, nil)
	if err != nil {
		logger.Fatal("failed to build WebRTC API", zap.Error(err))
	}

	client := signaling.NewClient(signaling.ClientOptions{
		URL:      cfg.Agent.SignalURL,
		Token:    cfg.Agent.UserToken,
		DeviceID: deviceID,
		Logger:   logger,
	})
	a := agent.New(agent.Options{
		DeviceID:    deviceID,
		Transport:   client,
		Factory:     peer.PionFactory(api, rtcConfig),
		ShareScreen: true,
		Logger:      logger,
	})
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if roomID := cfg.Agent.RoomID; roomID != "" {
		client.OnConnect(func() {
			if _, ok := a.MeetingPeers(); ok {
				return
			}
			controller, err := a.JoinRoom(ctx, roomID)
			if err != nil {
				logger.Error("failed to join room", zap.String("room_id", roomID), zap.Error(err))
				return
			}
			if err := controller.ToggleAudio(true); err != nil {
				logger.Warn("failed to enable microphone", zap.Error(err))
			}
		})
	}

	logger.Info("desklink agent starting", zap.String("device_id", deviceID), zap.String("signal_url", cfg.Agent.SignalURL))
	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		if signaling.IsUnauthorized(err) {
			logger.Fatal("signaling server rejected the agent", zap.Error(err))
		}
		logger.Fatal("signaling link failed", zap.Error(err))
	}
	logger.Info("desklink agent stopped")
}
