// Command h2get fetches a URL over HTTP/2 and writes the response body
// to standard output, with status and headers on standard error. It is
// a debugging tool, not a general HTTP client.
package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"example.com/h2client/v2/internal/codec"
	"example.com/h2client/v2/internal/config"
	"example.com/h2client/v2/internal/h2"
	"example.com/h2client/v2/internal/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to a client configuration file (TOML or JSON)")
	logLevel := flag.String("log-level", "error", "Log level (debug, info, warning, error)")
	insecure := flag.Bool("insecure", false, "Skip TLS certificate verification")
	push := flag.Bool("push", false, "Advertise support for server push and print received promises")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] URL\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}
	rawURL := flag.Arg(0)

	lg := logger.NewLogger(os.Stderr, logger.ParseLevel(*logLevel))

	if err := run(rawURL, *configPath, *insecure, *push, lg); err != nil {
		lg.Error("request failed", logger.LogFields{"error": err.Error()})
		os.Exit(1)
	}
}

func run(rawURL, configPath string, insecure, push bool, lg *logger.Logger) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parsing URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	opts, err := buildOptions(u, configPath, insecure, push, lg)
	if err != nil {
		return err
	}
	conn, err := h2.NewConn(opts)
	if err != nil {
		return err
	}
	defer conn.Close()

	path := u.RequestURI()
	streamID, err := conn.Request("GET", path, nil, nil)
	if err != nil {
		return err
	}

	resp, err := conn.GetResponse(streamID)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "status: %d\n", resp.Status())
	for _, hf := range resp.Headers() {
		fmt.Fprintf(os.Stderr, "%s: %s\n", hf.Name, hf.Value)
	}

	for {
		chunk, err := resp.ReadFrame()
		if err != nil {
			return err
		}
		if chunk == nil {
			break
		}
		if _, err := os.Stdout.Write(chunk); err != nil {
			return err
		}
	}

	if push {
		pushes, err := conn.GetPushes(streamID, false)
		if err != nil {
			return err
		}
		for {
			p, ok, err := pushes.Next()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			fmt.Fprintf(os.Stderr, "push promise: stream %d\n", p.StreamID)
			for _, hf := range p.Headers {
				fmt.Fprintf(os.Stderr, "  %s: %s\n", hf.Name, hf.Value)
			}
		}
	}
	return nil
}

// buildOptions derives connection options from the URL, layered over
// the configuration file when one is given.
func buildOptions(u *url.URL, configPath string, insecure, push bool, lg *logger.Logger) (h2.Options, error) {
	secure := u.Scheme == "https"
	port := 80
	if secure {
		port = 443
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return h2.Options{}, fmt.Errorf("parsing port: %w", err)
		}
		port = n
	}

	opts := h2.Options{
		Host:       u.Hostname(),
		Port:       port,
		Secure:     &secure,
		EnablePush: push,
		NewCodec:   codec.NewCodec,
		Logger:     lg,
	}
	if insecure {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	if configPath != "" {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return h2.Options{}, err
		}
		if cfg.Client != nil {
			c := cfg.Client
			if c.InitialWindowSize != nil {
				opts.InitialWindowSize = *c.InitialWindowSize
			}
			if c.ProxyHost != nil {
				opts.ProxyHost = *c.ProxyHost
			}
			if c.ProxyPort != nil {
				opts.ProxyPort = *c.ProxyPort
			}
			if c.ForceProto != nil {
				opts.ForceProto = *c.ForceProto
			}
		}
	}
	return opts, nil
}
