// Command track sends one analytics call from the command line, using the
// same configuration file and ANALYTICS_* variables as embedded clients.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/illmade-knight/go-analytics/pkg/config"
	"github.com/illmade-knight/go-analytics/pkg/envelope"
	"github.com/illmade-knight/go-analytics/pkg/tracker"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config; defaults to environment only")
	callType := flag.String("type", "track", "page, track, identify or group")
	name := flag.String("name", "", "event name for track, page name for page")
	userID := flag.String("user", "", "user id for identify")
	groupID := flag.String("group", "", "group id for group")
	anonymousID := flag.String("anonymous-id", "", "anonymous id to use for this call")
	props := flag.String("props", "", "JSON object of properties or traits")
	wait := flag.Duration("wait", 30*time.Second, "how long to wait for delivery")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if err := run(*configPath, envelope.Type(*callType), *name, *userID, *groupID, *anonymousID, *props, *wait, logger); err != nil {
		logger.Fatal().Err(err).Msg("track failed")
	}
}

func run(configPath string, t envelope.Type, name, userID, groupID, anonymousID, rawProps string, wait time.Duration, logger zerolog.Logger) error {
	if !t.Valid() {
		return fmt.Errorf("unknown call type %q", t)
	}
	var props map[string]any
	if rawProps != "" {
		if err := json.Unmarshal([]byte(rawProps), &props); err != nil {
			return fmt.Errorf("invalid -props: %w", err)
		}
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	opts, resources, err := cfg.TrackerOptions(ctx, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := resources.Close(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("Failed to release resources")
		}
	}()

	client, err := tracker.New(ctx, opts, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("Failed to close client")
		}
	}()

	if anonymousID != "" {
		client.SetAnonymousID(ctx, anonymousID)
	}

	var res *tracker.Result
	switch t {
	case envelope.TypePage:
		res = client.Page(ctx, name, props)
	case envelope.TypeTrack:
		if name == "" {
			return fmt.Errorf("track requires -name")
		}
		res = client.Track(ctx, name, props)
	case envelope.TypeIdentify:
		res = client.Identify(ctx, userID, props)
	case envelope.TypeGroup:
		res = client.Group(ctx, groupID, props)
	}
	if err := res.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for delivery: %w", err)
	}
	if env := res.Envelope(); env != nil {
		logger.Info().Str("message_id", env.MessageID).Str("type", string(t)).Msg("Sent.")
	}
	return nil
}
