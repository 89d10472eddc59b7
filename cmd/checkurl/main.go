// checkurl submits one URL to the classification service and prints
// the verdict, for smoke-testing a deployment without a browser.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/urlwarden/urlwarden/internal/classifier"
	"github.com/urlwarden/urlwarden/internal/config"
)

func main() {
	endpoint := flag.String("endpoint", "", "classification service endpoint (defaults to WARDEN_CLASSIFIER_ENDPOINT)")
	timeout := flag.Duration("timeout", 15*time.Second, "request timeout")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: checkurl [-endpoint URL] [-timeout D] <url>")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if *endpoint == "" {
		*endpoint = cfg.ClassifierEndpoint
	}

	client := classifier.NewClient(*endpoint, cfg.MaliciousSentinel, *timeout)
	url := classifier.NormalizeURL(flag.Arg(0))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	resp, err := client.Classify(ctx, url)
	if err != nil {
		fmt.Fprintln(os.Stderr, "classify:", err)
		os.Exit(1)
	}

	fmt.Printf("url:        %s\n", resp.URL)
	fmt.Printf("verdict:    %s\n", resp.Verdict)
	fmt.Printf("raw result: %s\n", resp.RawResult)
	if resp.Confidence > 0 {
		fmt.Printf("confidence: %.4f\n", resp.Confidence)
	}

	if resp.Verdict == classifier.VerdictMalicious {
		os.Exit(3)
	}
}
