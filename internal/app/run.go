// Package app assembles the relay service and the client runtime from their
// subsystems and runs them until the context ends.
package app

import (
	"context"
	"log"

	"github.com/careline/careline/internal/call"
	"github.com/careline/careline/internal/config"
	"github.com/careline/careline/internal/relay"
	"github.com/careline/careline/internal/util"
)

type Options struct {
	// Dir is the base directory; relative config paths resolve against it.
	Dir     string
	CfgPath string
	Cfg     config.Config
}

// RunRelay serves the relay until ctx is cancelled. The auth secrets file is
// hot-reloaded while running.
func RunRelay(ctx context.Context, o Options) error {
	auth := relay.NewSecretAuthenticator()
	secretsPath := util.ResolvePath(o.Dir, o.Cfg.Relay.AuthSecretFile)
	stopWatch, err := relay.WatchSecretsFile(secretsPath, auth)
	if err != nil {
		return err
	}
	defer stopWatch()

	srv := relay.New(o.Cfg.Relay.ListenAddr, auth)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	log.Printf("APP: relay listening on %s", srv.Addr())

	<-ctx.Done()
	return nil
}

// RunClient runs the headless client runtime until ctx is cancelled:
// presence changes, incoming calls, and notifications go to the log.
// Embedders use NewClient directly instead.
func RunClient(ctx context.Context, o Options) error {
	c, err := NewClient(o.Dir, o.Cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	onlineCh := c.Presence().Subscribe()
	defer c.Presence().Unsubscribe(onlineCh)
	notifCh, cancelNotif := c.Chat().SubscribeNotifications()
	defer cancelNotif()

	c.Calls().OnIncoming(func(inc call.IncomingCall) {
		log.Printf("APP: incoming call from %s (ringing)", inc.CallerID)
	})
	c.Calls().OnBusy(func(remoteID string) {
		log.Printf("APP: %s is busy", remoteID)
	})

	for {
		select {
		case <-ctx.Done():
			return nil
		case online := <-onlineCh:
			log.Printf("APP: online now: %v", online)
		case n := <-notifCh:
			log.Printf("APP: notification: %s: %s", n.Title, n.Message)
		}
	}
}
