// Command feeder posts synthetic energy readings to a meterproof server,
// either over its REST API or through an MQTT broker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/meterproof/logging"
)

//nolint:lll
type options struct {
	URL        string        `long:"url"         description:"The base URL of the meterproof REST API"                  default:"http://localhost:8000"`
	MQTTBroker string        `long:"mqtt-broker" description:"Publish to this MQTT broker instead of the REST API"`
	MQTTTopic  string        `long:"mqtt-topic"  description:"The MQTT topic to publish to"                            default:"meterproof/readings"`
	Devices    int           `long:"devices"     description:"The number of simulated devices"                         default:"1"`
	Interval   time.Duration `long:"interval"    description:"The time between readings of a device"                   default:"1s"`
	Count      int           `long:"count"       description:"Stop after this many readings per device (0 runs until interrupted)"`
	Seed       int64         `long:"seed"        description:"The seed of the simulated measurements"`
	Retries    int           `long:"retries"     description:"How many times a failed REST request is retried"         default:"3"`
}

// feed sends readings of a single device until count readings were sent or ctx is done.
func feed(ctx context.Context, s sender, d *device, interval time.Duration, count int) error {
	logger := logging.FromContext(ctx).With(zap.String("device_id", d.id))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for sent := 0; count == 0 || sent < count; sent++ {
		reading := d.reading(time.Now())
		if err := s.Send(ctx, reading); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("failed to send reading", zap.Error(err))
		} else {
			logger.Debug("sent reading", zap.Any("power", reading["power"]))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

func run(ctx context.Context, opts options) error {
	var (
		s   sender
		err error
	)
	if opts.MQTTBroker != "" {
		s, err = newMQTTSender(opts.MQTTBroker, opts.MQTTTopic, 10*time.Second)
		if err != nil {
			return err
		}
	} else {
		s = newHTTPSender(opts.URL, opts.Retries)
	}
	defer s.Close()

	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	var eg errgroup.Group
	for i := 1; i <= opts.Devices; i++ {
		d := newDevice(i, seed)
		eg.Go(func() error {
			return feed(ctx, s, d, opts.Interval, opts.Count)
		})
	}
	return eg.Wait()
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	logger := logging.New(zap.InfoLevel, "", false)
	ctx, stop := signal.NotifyContext(logging.NewContext(context.Background(), logger), os.Interrupt)
	defer stop()

	logger.Info("feeding readings",
		zap.Int("devices", opts.Devices),
		zap.Duration("interval", opts.Interval),
		zap.String("url", opts.URL),
		zap.String("mqtt-broker", opts.MQTTBroker),
	)
	if err := run(ctx, opts); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
