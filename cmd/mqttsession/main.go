// Command mqttsession publishes to and subscribes from an MQTT broker through
// a reconnecting session.
//
//	mqttsession [flags] pub -t topic -m message [-q qos] [-r]
//	mqttsession [flags] sub -t filter [-q qos]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/vitalvas/mqttsession"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("mqttsession", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: mqttsession [flags] pub|sub [command flags]")
		fs.PrintDefaults()
	}
	global := bindGlobalFlags(fs)

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cfg, err := global.resolve(fs)
	if err != nil {
		fmt.Fprintf(stderr, "mqttsession: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd, rest := fs.Arg(0), fs.Args()[1:]; cmd {
	case "pub":
		err = runPub(ctx, cfg, rest, stderr)
	case "sub":
		err = runSub(ctx, cfg, rest, stdout, stderr)
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(stderr, "mqttsession: %v\n", err)
		return 1
	}
	return 0
}

func runPub(ctx context.Context, cfg config, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("pub", flag.ContinueOnError)
	fs.SetOutput(stderr)
	topic := fs.String("t", "", "topic to publish to")
	message := fs.String("m", "", "message payload")
	qos := fs.Uint("q", 0, "quality of service (0, 1 or 2)")
	retain := fs.Bool("r", false, "retain the message")
	timeout := fs.Duration("timeout", 30*time.Second, "time to wait for delivery")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *topic == "" {
		return errors.New("pub: -t is required")
	}

	client, closeStore, err := newClient(ctx, cfg, stderr, nil)
	if err != nil {
		return err
	}
	defer closeStore()
	defer client.Close()

	// Publishing before the connection is up is fine: the message waits in
	// the store and is sent once the session opens.
	if err := client.Connect(); err != nil {
		return err
	}

	token := client.Publish(*topic, []byte(*message),
		mqttsession.WithQoS(byte(*qos)),
		mqttsession.WithRetain(*retain),
	)

	waitCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if err := token.Wait(waitCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && client.Pending() > 0 {
			return fmt.Errorf("pub: not delivered, %d message(s) left in the store", client.Pending())
		}
		return fmt.Errorf("pub: %w", err)
	}
	return nil
}

func runSub(ctx context.Context, cfg config, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("sub", flag.ContinueOnError)
	fs.SetOutput(stderr)
	filter := fs.String("t", "", "topic filter to subscribe to")
	qos := fs.Uint("q", 0, "maximum quality of service (0, 1 or 2)")
	verbose := fs.Bool("v", false, "print the topic before each payload")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *filter == "" {
		return errors.New("sub: -t is required")
	}

	handler := func(_ *mqttsession.Client, msg *mqttsession.Message) {
		if *verbose {
			fmt.Fprintf(stdout, "%s %s\n", msg.Topic, msg.Payload)
			return
		}
		fmt.Fprintf(stdout, "%s\n", msg.Payload)
	}

	// A broker without a stored session forgets subscriptions, so they are
	// renewed on every connect that does not resume one. The first connect
	// always subscribes to register the handler.
	resubscribe := func(c *mqttsession.Client, event error) {
		var connected *mqttsession.ConnectedEvent
		if errors.As(event, &connected) && (!connected.SessionPresent || !connected.Reconnected) {
			token := c.Subscribe(*filter, byte(*qos), handler)
			go func() {
				if err := token.Wait(ctx); err != nil && ctx.Err() == nil {
					fmt.Fprintln(stderr, color.RedString("subscribe %s: %v", *filter, err))
				}
			}()
		}
	}

	client, closeStore, err := newClient(ctx, cfg, stderr, resubscribe)
	if err != nil {
		return err
	}
	defer closeStore()
	defer client.Close()

	if err := client.Connect(); err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}

// newClient builds a client that prints status lines to stderr. onEvent, if
// set, runs after the status line.
func newClient(ctx context.Context, cfg config, stderr io.Writer, onEvent mqttsession.EventHandler) (*mqttsession.Client, func(), error) {
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	opts := cfg.clientOptions()
	opts = append(opts,
		mqttsession.WithStore(store),
		mqttsession.WithLogger(mqttsession.NewConsoleLogger(stderr, cfg.LogLevel)),
		mqttsession.WithOnEvent(func(c *mqttsession.Client, event error) {
			if line := statusLine(event); line != "" {
				fmt.Fprintln(stderr, line)
			}
			if onEvent != nil {
				onEvent(c, event)
			}
		}),
	)

	client, err := mqttsession.New(cfg.Broker, opts...)
	if err != nil {
		_ = closeStore()
		return nil, nil, err
	}

	return client, func() {
		if err := closeStore(); err != nil {
			fmt.Fprintf(stderr, "mqttsession: close store: %v\n", err)
		}
	}, nil
}

// statusLine renders a client event for the terminal. State changes are
// left to the debug log.
func statusLine(event error) string {
	var (
		connected  *mqttsession.ConnectedEvent
		disconnect *mqttsession.DisconnectEvent
		failure    *mqttsession.ErrorEvent
	)

	switch {
	case errors.As(event, &connected):
		if connected.Reconnected {
			return color.GreenString("reconnected (session present: %t)", connected.SessionPresent)
		}
		return color.GreenString("connected (session present: %t)", connected.SessionPresent)
	case errors.As(event, &disconnect):
		if disconnect.Cause != nil {
			return color.RedString("disconnected: %v", disconnect.Cause)
		}
		return color.YellowString("disconnected")
	case errors.Is(event, mqttsession.ErrOffline):
		return color.YellowString("connection lost, reconnecting")
	case errors.As(event, &failure):
		return color.RedString("error: %v", failure.Cause)
	default:
		return ""
	}
}
