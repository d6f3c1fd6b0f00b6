package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"reqguard/cmd/internal/secret"
	"reqguard/gateway/auth"
	"reqguard/gateway/client"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "reqsign:", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("reqsign", flag.ContinueOnError)
	bodyPath := fs.String("body", "", "file holding the request body ('-' reads stdin, empty signs no body)")
	digestName := fs.String("digest", "", "keyed digest (hmac-sha256 or blake3)")
	target := fs.String("url", "", "full request URL; enables -curl and -send")
	method := fs.String("method", http.MethodPost, "HTTP method for -curl and -send")
	asCurl := fs.Bool("curl", false, "print a curl command instead of bare headers")
	send := fs.Bool("send", false, "send the request through the signing client and print the response")
	timeout := fs.Duration("timeout", 30*time.Second, "request timeout for -send")
	if err := fs.Parse(args); err != nil {
		return err
	}

	digest, err := auth.ParseDigest(*digestName)
	if err != nil {
		return err
	}
	body, err := readBody(*bodyPath, stdin)
	if err != nil {
		return err
	}
	sharedSecret, err := secret.NewSource("REQGUARD_SECRET").Get()
	if err != nil {
		return err
	}

	if *send {
		if *target == "" {
			return fmt.Errorf("-send requires -url")
		}
		return sendSigned(*target, strings.ToUpper(*method), sharedSecret, digest, body, *timeout, stdout)
	}

	signer, err := auth.NewSigner(sharedSecret, auth.WithSignerDigest(digest))
	if err != nil {
		return err
	}
	headers, err := signer.BuildHeaders(body)
	if err != nil {
		return err
	}
	if *asCurl {
		if *target == "" {
			return fmt.Errorf("-curl requires -url")
		}
		fmt.Fprintln(stdout, curlCommand(strings.ToUpper(*method), *target, headers, body))
		return nil
	}
	fmt.Fprintf(stdout, "%s: %s\n", auth.HeaderTimestamp, headers.Timestamp)
	fmt.Fprintf(stdout, "%s: %s\n", auth.HeaderNonce, headers.Nonce)
	fmt.Fprintf(stdout, "%s: %s\n", auth.HeaderSignature, headers.Signature)
	return nil
}

func readBody(path string, stdin io.Reader) ([]byte, error) {
	switch path {
	case "":
		return nil, nil
	case "-":
		data, err := io.ReadAll(io.LimitReader(stdin, auth.MaxBodyForSignature+1))
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return data, nil
	}
}

func sendSigned(target, method, sharedSecret string, digest auth.Digest, body []byte, timeout time.Duration, stdout io.Writer) error {
	parsed, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	base := &url.URL{Scheme: parsed.Scheme, Host: parsed.Host}
	c, err := client.New(client.Config{
		BaseURL: base.String(),
		Secret:  sharedSecret,
		Digest:  digest,
		Timeout: timeout,
	})
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	resp, err := c.Do(ctx, method, parsed.Path, body, "application/json")
	if resp != nil {
		fmt.Fprintf(stdout, "HTTP %d\n%s\n", resp.StatusCode, strings.TrimSpace(string(resp.Body)))
	}
	return err
}

func curlCommand(method, target string, headers auth.Headers, body []byte) string {
	var b strings.Builder
	fmt.Fprintf(&b, "curl -X %s %s", method, shellQuote(target))
	fmt.Fprintf(&b, " -H %s", shellQuote(auth.HeaderTimestamp+": "+headers.Timestamp))
	fmt.Fprintf(&b, " -H %s", shellQuote(auth.HeaderNonce+": "+headers.Nonce))
	fmt.Fprintf(&b, " -H %s", shellQuote(auth.HeaderSignature+": "+headers.Signature))
	if len(body) > 0 {
		b.WriteString(" -H 'Content-Type: application/json'")
		fmt.Fprintf(&b, " --data-binary %s", shellQuote(string(body)))
	}
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
