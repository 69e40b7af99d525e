package cli

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/thecoderpanda/ard-server/internal/db"
	"github.com/thecoderpanda/ard-server/internal/modules/airquality/classify"
	"github.com/thecoderpanda/ard-server/internal/modules/airquality/payload"
	"github.com/thecoderpanda/ard-server/internal/modules/airquality/repository"
	"github.com/thecoderpanda/ard-server/internal/modules/airquality/types"
	"github.com/thecoderpanda/ard-server/internal/mqtt"
)

func newMigrateCommand(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, outcome, err := st.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = db.Close(conn) }()
			fmt.Fprintf(cmd.OutOrStdout(), "schema %s: %s\n", outcome, st.cfg.Path)
			return nil
		},
	}
}

func newSensorsCommand(st *state) *cobra.Command {
	sensors := &cobra.Command{
		Use:   "sensors",
		Short: "Inspect registered sensors",
	}
	sensors.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sensors with their latest reading",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, _, err := st.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = db.Close(conn) }()

			latest, err := repository.NewRepository(conn).LatestReadingPerSensor(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tDESCRIPTION\tLAST AQI\tCATEGORY\tLAST SEEN")
			for _, l := range latest {
				aqi, category, seen := "-", classify.UnknownLabel, "never"
				if l.Latest != nil {
					aqi = formatValue(l.Latest.AQIValue)
					category = classify.Resolve(l.Latest.AQICategory, l.Latest.AQIValue).Label
					seen = formatTime(l.Latest.Timestamp)
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", l.Sensor.ID, l.Sensor.Name, l.Sensor.Description, aqi, category, seen)
			}
			return tw.Flush()
		},
	})
	return sensors
}

func newReadingsCommand(st *state) *cobra.Command {
	var (
		sensorID int64
		limit    int
	)
	readings := &cobra.Command{
		Use:   "readings",
		Short: "Inspect stored readings",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List a sensor's readings, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, _, err := st.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = db.Close(conn) }()

			rs, err := repository.NewRepository(conn).ListReadings(cmd.Context(), sensorID, limit)
			if err != nil {
				return err
			}
			return writeReadings(cmd, rs)
		},
	}
	list.Flags().Int64Var(&sensorID, "sensor", 0, "sensor id (required)")
	list.Flags().IntVar(&limit, "limit", repository.DefaultListLimit, "maximum number of readings")
	_ = list.MarkFlagRequired("sensor")
	readings.AddCommand(list)
	return readings
}

func writeReadings(cmd *cobra.Command, rs []types.Reading) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIMESTAMP\tAQI\tCO2 (ppm)\tCATEGORY")
	for _, r := range rs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			r.ID,
			formatTime(r.Timestamp),
			formatValue(r.AQIValue),
			formatValue(r.CO2PPM),
			classify.Resolve(r.AQICategory, r.AQIValue).Label,
		)
	}
	return tw.Flush()
}

func newLoRaCommand(st *state) *cobra.Command {
	var (
		sensorID int64
		timeout  time.Duration
	)
	lora := &cobra.Command{
		Use:   "lora",
		Short: "Simulate a LoRa bridge",
	}
	publish := &cobra.Command{
		Use:   "publish VALUE",
		Short: "Publish a reading to the MQTT ingest topic",
		Long: `Publish a reading to the MQTT ingest topic. VALUE is either a bare AQI
number or a device string such as "CO2: 812ppm, AQI: 42, Zone: Kitchen".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := mqtt.LoRaPublish{Value: loraValue(args[0])}
			if cmd.Flags().Changed("sensor-id") {
				msg.SensorID = &sensorID
			}

			pub := mqtt.NewPublisher(st.cfg, st.logger)
			defer pub.Disconnect()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := pub.Connect(ctx); err != nil {
				return fmt.Errorf("connect to %s:%d: %w", st.cfg.MQTTBroker, st.cfg.MQTTPort, err)
			}
			if err := pub.PublishLoRa(msg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published to %s\n", st.cfg.MQTTTopic)
			return nil
		},
	}
	publish.Flags().Int64Var(&sensorID, "sensor-id", 0, "attribute the reading to this sensor instead of the default one")
	publish.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "broker connect timeout")
	lora.AddCommand(publish)
	return lora
}

func newParseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "parse TEXT",
		Short: "Show how the server reads a device payload string",
		Example: `  aqictl parse "CO2: 812ppm, AQI: 42, Zone: Kitchen"
  aqictl parse 17.5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nr, err := payload.NormalizeText(args[0])
			if err != nil {
				return err
			}
			category := classify.Resolve(nr.AQICategory, nr.AQIValue)
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "AQI\t%s\n", formatValue(nr.AQIValue))
			fmt.Fprintf(tw, "CO2 (ppm)\t%s\n", formatValue(nr.CO2PPM))
			fmt.Fprintf(tw, "CATEGORY\t%s\n", category.Label)
			return tw.Flush()
		},
	}
}

func newClassifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "classify AQI",
		Short: "Print the category and tier of an AQI value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := classify.ClassifyText(args[0])
			tier := string(c.Tier)
			if tier == "" {
				tier = "-"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", c.Label, tier)
			return nil
		},
	}
}

// loraValue sends numbers as JSON numbers, like a bridge forwarding a bare
// AQI, and everything else as the device string.
func loraValue(arg string) any {
	s := strings.TrimSpace(arg)
	if v, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(v) && !math.IsInf(v, 0) {
		return v
	}
	return arg
}

func formatValue(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return types.FormatTimestamp(t)
}
