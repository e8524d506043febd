package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/modfin/utskick"
	"github.com/modfin/utskick/internal/clix"
)

func main() {

	hostFlag := &cli.StringFlag{
		Name:    "host",
		Value:   "http://localhost:8080",
		EnvVars: []string{"UTSKICK_HOST"},
		Usage:   "the utskickd api to talk to",
	}

	app := &cli.App{
		Name:  "utskick",
		Usage: "a cli for scheduling email batches through utskickd",
		Commands: []*cli.Command{
			{
				Name:  "send",
				Usage: "schedule a batch of emails",
				Flags: []cli.Flag{
					hostFlag,
					&cli.StringFlag{
						Name:  "subject",
						Usage: "Set subject line",
					},
					&cli.StringFlag{
						Name:  "text",
						Usage: "text content of the mail",
					},
					&cli.StringSliceFlag{
						Name:  "to",
						Usage: "Set to email, repeat for many recipients",
					},
					&cli.StringFlag{
						Name:  "start-time",
						Usage: "when the first email goes out, eg 2026-09-01T08:00:00Z",
					},
					&cli.Int64Flag{
						Name:  "delay-ms",
						Usage: "spacing between emails in milliseconds",
					},
					&cli.Int64Flag{
						Name:  "hourly-limit",
						Usage: "cap on emails sent per hour for this batch",
					},
				},
				Action: send,
			},
			{
				Name:   "scheduled",
				Usage:  "list emails waiting for their fire time",
				Flags:  []cli.Flag{hostFlag},
				Action: scheduled,
			},
			{
				Name:   "log",
				Usage:  "list emails with a terminal outcome",
				Flags:  []cli.Flag{hostFlag},
				Action: sentOrFailed,
			},
			{
				Name:      "status",
				Usage:     "show the progress of one batch",
				ArgsUsage: "<batch-id>",
				Flags:     []cli.Flag{hostFlag},
				Action:    status,
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "got err", err)
		os.Exit(1)
	}
}

type sendConfig struct {
	Host        string   `cli:"host"`
	Subject     string   `cli:"subject"`
	Text        string   `cli:"text"`
	To          []string `cli:"to"`
	StartTime   string   `cli:"start-time"`
	DelayMs     int64    `cli:"delay-ms"`
	HourlyLimit int64    `cli:"hourly-limit"`
}

func send(c *cli.Context) error {
	cfg := clix.Parse[sendConfig](c)

	client := utskick.NewClient(cfg.Host)
	receipt, err := client.Submit(c.Context, utskick.Submission{
		Subject:    cfg.Subject,
		Body:       cfg.Text,
		Recipients: cfg.To,
		StartTime:  cfg.StartTime,
		DelayMs:    cfg.DelayMs,
		HourlyCap:  cfg.HourlyLimit,
	})
	if err != nil {
		return err
	}

	fmt.Printf("batch %s accepted, %d emails scheduled\n", receipt.BatchID, receipt.TotalScheduled)
	return nil
}

func scheduled(c *cli.Context) error {
	client := utskick.NewClient(c.String("host"))
	messages, err := client.Scheduled(c.Context)
	if err != nil {
		return err
	}

	for _, m := range messages {
		fmt.Printf("%s  %s  %s  %s\n", m.ScheduledAt.Format(time.RFC3339), m.BatchID, m.Status, m.To)
	}
	fmt.Printf("%d emails waiting\n", len(messages))
	return nil
}

func sentOrFailed(c *cli.Context) error {
	client := utskick.NewClient(c.String("host"))
	messages, err := client.SentOrFailed(c.Context)
	if err != nil {
		return err
	}

	for _, m := range messages {
		when := "-"
		if m.SentAt != nil {
			when = m.SentAt.Format(time.RFC3339)
		}
		line := fmt.Sprintf("%s  %s  %s  %s", when, m.BatchID, m.Status, m.To)
		if m.Error != "" {
			line += "  " + m.Error
		}
		fmt.Println(line)
	}
	return nil
}

func status(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return fmt.Errorf("a batch id must be provided")
	}

	client := utskick.NewClient(c.String("host"))
	b, err := client.Batch(c.Context, id)
	if err != nil {
		return err
	}

	fmt.Printf("batch     %s\n", b.ID)
	fmt.Printf("subject   %s\n", b.Subject)
	fmt.Printf("status    %s\n", b.Status)
	fmt.Printf("starts    %s\n", b.StartAt.Format(time.RFC3339))
	fmt.Printf("emails    %d total, %d scheduled, %d sent, %d failed\n",
		b.TotalEmails, b.Scheduled, b.Sent, b.Failed)
	return nil
}
