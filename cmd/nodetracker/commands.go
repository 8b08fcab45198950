package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/ash2k/stager/wait"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/atlassian/nodetracker"
	"github.com/atlassian/nodetracker/pkg/selector"
	"github.com/atlassian/nodetracker/pkg/tracker"
	"github.com/atlassian/nodetracker/pkg/transport"
	"github.com/atlassian/nodetracker/pkg/web"
)

type command struct {
	logger    logrus.FieldLogger
	v         *viper.Viper
	out       io.Writer
	tracker   *tracker.Tracker
	allowlist []string
}

func newCommand(ctx context.Context, logger logrus.FieldLogger, v *viper.Viper, out io.Writer) (*command, error) {
	pool := transport.NewTransportPool(logger, v)
	tr, err := tracker.NewFromViper(ctx, logger, v, pool)
	if err != nil {
		return nil, err
	}
	return &command{
		logger:    logger,
		v:         v,
		out:       out,
		tracker:   tr,
		allowlist: v.GetStringSlice(nodetracker.ParamNodeURLs),
	}, nil
}

func (c *command) discover(ctx context.Context) error {
	nodes, err := c.tracker.Discovery(ctx, c.allowlist...)
	if err != nil {
		return err
	}
	return c.printJSON(nodes)
}

func (c *command) ping(ctx context.Context) error {
	if err := c.sweep(ctx); err != nil {
		return err
	}
	table := c.tracker.RankedTable(selector.NoLatencyLimit)
	for _, n := range c.tracker.Nodes() {
		if n.LatestError() != "" {
			table = append(table, n)
		}
	}
	return c.printTable(table)
}

func (c *command) pick(ctx context.Context) error {
	if err := c.sweep(ctx); err != nil {
		return err
	}
	maxLatency := c.v.GetDuration(nodetracker.ParamPickMaxLatency)
	if maxLatency < 0 {
		return fmt.Errorf("%s must not be negative", nodetracker.ParamPickMaxLatency)
	}
	if maxLatency == 0 {
		maxLatency = selector.NoLatencyLimit
	}
	picked := c.tracker.PickMulti(c.v.GetInt(nodetracker.ParamPickCount), c.v.GetInt(nodetracker.ParamPickTop), maxLatency)
	if len(picked) == 0 {
		return fmt.Errorf("no node satisfies the constraints")
	}
	return c.printJSON(picked)
}

func (c *command) serve(ctx context.Context) error {
	service := tracker.NewService(c.tracker, c.v.GetDuration(nodetracker.ParamRefreshInterval), c.allowlist)
	hs, err := web.NewHttpServerFromViper(c.v, c.logger, service)
	if err != nil {
		return err
	}

	var runnables []nodetracker.Runnable
	runnables = nodetracker.MaybeAppendRunnable(runnables, service)
	runnables = nodetracker.MaybeAppendRunnable(runnables, hs)

	var wg wait.Group
	for _, r := range runnables {
		wg.StartWithContext(ctx, r)
	}
	wg.Wait()
	return nil
}

// sweep discovers nodes unless a cached snapshot was loaded, and probes all of them while logging progress.
func (c *command) sweep(ctx context.Context) error {
	if len(c.tracker.Nodes()) == 0 {
		if _, err := c.tracker.Discovery(ctx, c.allowlist...); err != nil {
			return err
		}
	}

	events, unsubscribe := c.tracker.Subscribe()
	var wg wait.Group
	wg.Start(func() {
		for e := range events {
			c.logProgress(e)
		}
	})
	c.tracker.PingAll(ctx)
	unsubscribe()
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

func (c *command) logProgress(e nodetracker.ProgressEvent) {
	logger := c.logger.WithField("host", e.Node.Host())
	if latency, ok := e.Node.Latency(); ok {
		logger.Infof("%d of %d: %s [%v]", e.Index, e.Total, e.Node.URL(), latency)
		return
	}
	logger.Infof("%d of %d: %s [%s]", e.Index, e.Total, e.Node.URL(), e.Node.LatestError())
}

func (c *command) printJSON(nodes []*nodetracker.Node) error {
	enc := jsoniter.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(nodes)
}

func (c *command) printTable(nodes []*nodetracker.Node) error {
	tw := tabwriter.NewWriter(c.out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "HOST\tURL\tLATENCY\tERROR")
	for _, n := range nodes {
		latency := "-"
		if l, ok := n.Latency(); ok {
			latency = l.Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", n.Host(), n.URL(), latency, n.LatestError())
	}
	return tw.Flush()
}
