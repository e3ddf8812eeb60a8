package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/ryansname/chargectl/src/charging"
	"github.com/ryansname/chargectl/src/store"
	"github.com/ryansname/chargectl/src/voter"
)

// Version is set at build time
var Version = "dev"

// log is the process logger, configured by setupLogger
var log = logrus.New()

func setupLogger(verbose bool) {
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
}

// SafeGo launches a goroutine with panic recovery and retry logic.
// On panic, retries with exponential backoff (max 10 retries).
// Retry count resets if worker ran for 2+ minutes before failing.
// After exhausting retries, cancels context to trigger shutdown.
func SafeGo(
	ctx context.Context,
	cancel context.CancelFunc,
	name string,
	fn func(ctx context.Context),
) {
	const maxRetries = 10
	const maxDelay = 10 * time.Minute
	const resetAfter = 2 * time.Minute

	go func() {
		retries := 0
		delay := time.Second

		for {
			startTime := time.Now()
			var panicValue any

			func() {
				defer func() {
					panicValue = recover()
				}()
				fn(ctx)
			}()

			// Returned normally, either cancelled or done
			if panicValue == nil {
				return
			}

			if time.Since(startTime) >= resetAfter {
				retries = 0
				delay = time.Second
			}

			retries++
			fields := logrus.Fields{"worker": name, "attempt": retries, "max": maxRetries}
			log.WithFields(fields).Errorf("Panic: %v", panicValue)

			if retries >= maxRetries {
				log.WithField("worker", name).Error("Worker failed too many times, shutting down")
				cancel()
				return
			}

			log.WithField("worker", name).Infof("Retrying in %v", delay)
			select {
			case <-time.After(delay):
				delay = min(delay*2, maxDelay)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func newCLIApp() *cli.App {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "YAML config file (defaults apply when omitted)",
		EnvVars: []string{"CHARGECTL_CONFIG"},
	}
	dbFlag := &cli.StringFlag{
		Name:    "db",
		Value:   "chargectl.db",
		Usage:   "SQLite database path",
		EnvVars: []string{"CHARGECTL_DB"},
	}

	return &cli.App{
		Name:    "chargectl",
		Usage:   "Battery charging governor driven over MQTT",
		Version: Version,
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "Debug logging", EnvVars: []string{"CHARGECTL_VERBOSE"}},
		},
		Before: func(c *cli.Context) error {
			setupLogger(c.Bool("verbose"))
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Run the charging daemon",
				Flags: []cli.Flag{
					configFlag,
					dbFlag,
					&cli.StringFlag{Name: "broker", Usage: "MQTT broker host, overrides the config", EnvVars: []string{"MQTT_BROKER"}},
					&cli.StringFlag{Name: "username", EnvVars: []string{"MQTT_USERNAME"}, Required: true},
					&cli.StringFlag{Name: "password", EnvVars: []string{"MQTT_PASSWORD"}, Required: true},
					&cli.BoolFlag{Name: "observe", Usage: "Start with charger commands disabled"},
					&cli.BoolFlag{Name: "debug", Usage: "Interactive debug console"},
				},
				Action: runAction,
			},
			{
				Name:  "check-config",
				Usage: "Validate a config file",
				Flags: []cli.Flag{configFlag},
				Action: func(c *cli.Context) error {
					cfg, err := loadDaemonConfig(c.String("config"))
					if err != nil {
						return err
					}
					if err := cfg.Validate(); err != nil {
						return err
					}
					fmt.Fprintln(c.App.Writer, "config ok")
					return nil
				},
			},
			{
				Name:  "sessions",
				Usage: "List recorded charging sessions",
				Flags: []cli.Flag{
					dbFlag,
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 20},
				},
				Action: sessionsAction,
			},
		},
	}
}

func sessionsAction(c *cli.Context) error {
	db, err := store.Init(c.String("db"))
	if err != nil {
		return err
	}
	defer db.Close()

	sessions, err := db.ListSessions(c.Context, c.Int("limit"))
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCABLE\tSTARTED\tDURATION\tEND\tEXPIRIES")
	for _, s := range sessions {
		duration, reason := "-", "active"
		if !s.EndedAt.IsZero() {
			duration = s.EndedAt.Sub(s.StartedAt).Truncate(time.Second).String()
			reason = s.EndReason
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			s.ID, s.Cable, s.StartedAt.Local().Format(time.DateTime), duration, reason, s.Expiries)
	}
	return w.Flush()
}

func runAction(c *cli.Context) error {
	log.Info("Starting chargectl...")

	cfg, err := loadDaemonConfig(c.String("config"))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		// Rejected tables stop limiting, they do not stop the daemon
		log.WithError(err).Warn("Config has errors")
	}
	if b := c.String("broker"); b != "" {
		cfg.MQTT.Broker = b
	}

	db, err := store.Init(c.String("db"))
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	engine := charging.New(cfg.Config, charging.Options{Logger: log, Store: db})

	// Create channels for communication between workers
	sensorChan := make(chan SensorMessage, 10)
	commandChan := make(chan SensorMessage, 10)
	snapshotChan := make(chan charging.Snapshot, 10)
	statusChan := make(chan charging.Status, 10)
	mqttOutgoingChan := make(chan MQTTMessage, 100)
	mqttClientChan := make(chan mqtt.Client, 1)

	SafeGo(ctx, cancel, "mqtt-sender-worker", func(ctx context.Context) {
		mqttSenderWorker(ctx, mqttOutgoingChan, mqttClientChan)
	})

	sender := NewMQTTSender(mqttOutgoingChan, cfg.MQTT)
	sender.SetEnabled(!c.Bool("observe"))
	sender.PublishAvailability(true)
	if err := createEntities(sender, cfg.Battery.RechargeVoltage); err != nil {
		return fmt.Errorf("create Home Assistant entities: %w", err)
	}
	log.Info("Home Assistant entities created")

	engine.OnChange(func(resource string, eff voter.Effective) {
		log.WithFields(logrus.Fields{
			"resource": resource,
			"value":    eff.Value,
			"voter":    eff.Voter,
			"active":   eff.Active,
		}).Debug("Effective value changed")
		sender.PublishCharger(resource, eff)
	})
	publishEffective(engine, sender)

	expected := cfg.MQTT.Topics.List()
	state := newSensorState(cfg.MQTT)
	SafeGo(ctx, cancel, "sensor-worker", func(ctx context.Context) {
		sensorWorker(ctx, sensorChan, snapshotChan, state, expected)
	})

	engineDone := make(chan struct{})
	var engineStopped sync.Once
	SafeGo(ctx, cancel, "charging-engine", func(ctx context.Context) {
		defer func() {
			if ctx.Err() != nil {
				engineStopped.Do(func() { close(engineDone) })
			}
		}()
		engine.Run(ctx, snapshotChan, statusChan)
	})

	publisherChan := make(chan charging.Status, 10)
	downstreamChans := []chan<- charging.Status{publisherChan}
	SafeGo(ctx, cancel, "status-worker", func(ctx context.Context) {
		statusWorker(ctx, publisherChan, cfg.MQTT.StatusInterval, sender)
	})

	if c.Bool("debug") {
		debugChan := make(chan charging.Status, 10)
		downstreamChans = append(downstreamChans, debugChan)
		SafeGo(ctx, cancel, "debug-worker", func(ctx context.Context) {
			debugWorker(ctx, cancel, debugChan, engine, sender)
		})
	}

	SafeGo(ctx, cancel, "broadcast-worker", func(ctx context.Context) {
		broadcastWorker(ctx, statusChan, downstreamChans)
	})

	SafeGo(ctx, cancel, "command-worker", func(ctx context.Context) {
		commandWorker(ctx, cfg.MQTT, commandChan, engine, sender)
	})

	subscriptions := make(map[string]chan<- SensorMessage)
	for _, topic := range expected {
		subscriptions[topic] = sensorChan
	}
	for _, topic := range cfg.MQTT.CommandTopics() {
		subscriptions[topic] = commandChan
	}
	username, password := c.String("username"), c.String("password")
	SafeGo(ctx, cancel, "mqtt-worker", func(ctx context.Context) {
		mqttWorker(ctx, cfg.MQTT, username, password, subscriptions, mqttClientChan)
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info("Shutting down...")
	case <-ctx.Done():
		log.Info("Shutting down due to error...")
	}
	cancel()

	// The engine saves the safety timer on the way out
	select {
	case <-engineDone:
	case <-time.After(5 * time.Second):
		log.Warn("Charging engine did not stop in time")
	}
	return nil
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.WithError(err).Debug("No .env file loaded")
	}
	if err := newCLIApp().Run(os.Args); err != nil {
		log.WithError(err).Fatal("chargectl failed")
	}
}
