package main

import (
	"context"
	"errors"
	"io"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/scrape"
)

var (
	discoverSitemap  string
	discoverRetailer string
	discoverTenant   string
	discoverMatch    string
	discoverLimit    int
	discoverPriority int
	discoverDelay    time.Duration
	discoverOut      string
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Produce scrape tasks from a retailer sitemap",
	Long:  "Walks a sitemap (and nested sitemap indexes on the same host) and writes product URLs as a task file for scan.",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := discoverOptions{
			SitemapURL: discoverSitemap,
			Retailer:   discoverRetailer,
			TenantID:   discoverTenant,
			Limit:      discoverLimit,
			Priority:   discoverPriority,
			Delay:      discoverDelay,
			UserAgent:  cfg.Tiers.UserAgent,
			Exclude:    scrape.NewPathMatcher(cfg.Tiers.ExcludePaths),
		}
		if discoverMatch != "" {
			re, err := regexp.Compile(discoverMatch)
			if err != nil {
				return eris.Wrap(err, "discover: invalid --match")
			}
			opts.Match = re
		}

		tasks, err := discoverTasks(cmd.Context(), opts)
		if err != nil {
			return err
		}

		var w io.Writer = cmd.OutOrStdout()
		if discoverOut != "" {
			f, err := os.Create(discoverOut)
			if err != nil {
				return eris.Wrap(err, "discover: create output")
			}
			defer f.Close() //nolint:errcheck
			w = f
		}
		if err := writeTaskFile(w, tasks); err != nil {
			return err
		}
		zap.L().Info("discover complete", zap.Int("tasks", len(tasks)), zap.String("sitemap", opts.SitemapURL))
		return nil
	},
}

func init() {
	discoverCmd.Flags().StringVar(&discoverSitemap, "sitemap", "", "sitemap or sitemap index URL")
	discoverCmd.Flags().StringVar(&discoverRetailer, "retailer", "", "retailer label for produced tasks")
	discoverCmd.Flags().StringVar(&discoverTenant, "tenant", "", "tenant id for produced tasks")
	discoverCmd.Flags().StringVar(&discoverMatch, "match", "", "only keep URLs matching this regexp (e.g. /p/)")
	discoverCmd.Flags().IntVar(&discoverLimit, "limit", 0, "stop after this many tasks (0 = no limit)")
	discoverCmd.Flags().IntVar(&discoverPriority, "priority", 0, "priority for produced tasks")
	discoverCmd.Flags().DurationVar(&discoverDelay, "delay", time.Second, "delay between sitemap requests")
	discoverCmd.Flags().StringVarP(&discoverOut, "out", "o", "", "write tasks to this file instead of stdout")
	_ = discoverCmd.MarkFlagRequired("sitemap")
	_ = discoverCmd.MarkFlagRequired("retailer")
	rootCmd.AddCommand(discoverCmd)
}

type discoverOptions struct {
	SitemapURL string
	Retailer   string
	TenantID   string
	Match      *regexp.Regexp
	Exclude    *scrape.PathMatcher
	Limit      int
	Priority   int
	Delay      time.Duration
	UserAgent  string
}

// discoverTasks reads the sitemap tree rooted at opts.SitemapURL. Nested
// sitemaps are followed only on the root's host; product URLs are kept in
// document order without duplicates.
func discoverTasks(ctx context.Context, opts discoverOptions) ([]model.ScrapeTask, error) {
	root, err := url.Parse(opts.SitemapURL)
	if err != nil || root.Host == "" {
		return nil, eris.Errorf("discover: invalid sitemap url %q", opts.SitemapURL)
	}

	c := colly.NewCollector()
	if opts.UserAgent != "" {
		c.UserAgent = opts.UserAgent
	}
	c.SetRequestTimeout(30 * time.Second)
	if err := c.Limit(&colly.LimitRule{DomainGlob: "*", Parallelism: 1, Delay: opts.Delay}); err != nil {
		return nil, eris.Wrap(err, "discover: configure limits")
	}

	var (
		tasks   []model.ScrapeTask
		seen    = make(map[string]bool)
		lastErr error
	)
	full := func() bool { return opts.Limit > 0 && len(tasks) >= opts.Limit }

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil || full() {
			r.Abort()
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		lastErr = eris.Wrapf(err, "discover: fetch %s", r.Request.URL)
		zap.L().Warn("sitemap fetch failed", zap.String("url", r.Request.URL.String()), zap.Error(err))
	})
	c.OnXML("//sitemapindex/sitemap/loc", func(e *colly.XMLElement) {
		loc := strings.TrimSpace(e.Text)
		u, err := url.Parse(loc)
		if err != nil || u.Host != root.Host {
			return
		}
		_ = e.Request.Visit(loc)
	})
	c.OnXML("//urlset/url/loc", func(e *colly.XMLElement) {
		loc := strings.TrimSpace(e.Text)
		if loc == "" || seen[loc] || full() {
			return
		}
		if opts.Match != nil && !opts.Match.MatchString(loc) {
			return
		}
		if opts.Exclude != nil && opts.Exclude.IsExcluded(loc) {
			return
		}
		seen[loc] = true
		tasks = append(tasks, model.ScrapeTask{
			URL:      loc,
			Retailer: opts.Retailer,
			TenantID: opts.TenantID,
			Priority: opts.Priority,
		})
	})

	if err := c.Visit(root.String()); err != nil {
		return nil, eris.Wrap(err, "discover: visit sitemap")
	}
	c.Wait()

	if err := ctx.Err(); err != nil {
		return tasks, err
	}
	if len(tasks) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return tasks, nil
}

// taskFile is the YAML document read by scan and written by discover.
type taskFile struct {
	Tasks []model.ScrapeTask `yaml:"tasks"`
}

func writeTaskFile(w io.Writer, tasks []model.ScrapeTask) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(taskFile{Tasks: tasks}); err != nil {
		return eris.Wrap(err, "encode task file")
	}
	return eris.Wrap(enc.Close(), "encode task file")
}

func readTaskFile(r io.Reader) ([]model.ScrapeTask, error) {
	var tf taskFile
	if err := yaml.NewDecoder(r).Decode(&tf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "decode task file")
	}
	for i, t := range tf.Tasks {
		if strings.TrimSpace(t.URL) == "" {
			return nil, eris.Errorf("task %d: url is required", i)
		}
	}
	return tf.Tasks, nil
}
