package validator

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"regexp"
	"time"

	"github.com/go-ping/ping"
	dnsclient "github.com/miekg/dns"
	"golang.org/x/net/publicsuffix"
)

// preflightSpec enables network checks that run before the HTTP probe.
// Each produces assertion results alongside the HTTP assertions.
type preflightSpec struct {
	TCP              bool          `mapstructure:"tcp"`
	ICMP             bool          `mapstructure:"icmp"`
	ICMPCount        int           `mapstructure:"icmp_count"`
	MaxPacketLoss    float64       `mapstructure:"max_packet_loss_percent"`
	DNS              *dnsProbeSpec `mapstructure:"dns"`
	TLSMinValidDays  *float64      `mapstructure:"tls_min_valid_days"`
	DomainExpiryDays *float64      `mapstructure:"domain_expiry_min_days"`
	TimeoutMS        int           `mapstructure:"timeout_ms"`
}

type dnsProbeSpec struct {
	Resolver   string   `mapstructure:"resolver"`
	RecordType string   `mapstructure:"record_type"`
	Answers    []string `mapstructure:"answers"`
	MinTTL     *float64 `mapstructure:"min_ttl_seconds"`
}

// runPreflight resolves the probe target from the URL and runs each
// enabled check. Failures come back as failed assertions, not errors;
// a preflight verdict is still a verdict.
func runPreflight(ctx context.Context, spec *preflightSpec, rawURL string) ([]AssertionResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("url %q has no host", rawURL)
	}
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	timeout := 5 * time.Second
	if spec.TimeoutMS > 0 {
		timeout = time.Duration(spec.TimeoutMS) * time.Millisecond
	}

	var results []AssertionResult
	if spec.TCP {
		results = append(results, probeTCP(ctx, host, port, timeout))
	}
	if spec.ICMP {
		results = append(results, probeICMP(host, spec, timeout))
	}
	if spec.DNS != nil {
		results = append(results, probeDNS(ctx, host, spec.DNS)...)
	}
	if spec.TLSMinValidDays != nil {
		results = append(results, probeTLS(host, port, *spec.TLSMinValidDays, timeout)...)
	}
	if spec.DomainExpiryDays != nil {
		results = append(results, probeDomainExpiry(host, *spec.DomainExpiryDays, timeout))
	}
	return results, nil
}

func probeTCP(ctx context.Context, host, port string, timeout time.Duration) AssertionResult {
	result := AssertionResult{Kind: "tcp_connect"}
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		result.Message = fmt.Sprintf("dial: %v", err)
		return result
	}
	conn.Close()
	result.Passed = true
	return result
}

func probeICMP(host string, spec *preflightSpec, timeout time.Duration) AssertionResult {
	result := AssertionResult{Kind: "packet_loss_percent"}
	pinger, err := ping.NewPinger(host)
	if err != nil {
		result.Message = fmt.Sprintf("init pinger: %v", err)
		return result
	}
	pinger.SetPrivileged(true)
	count := spec.ICMPCount
	if count <= 0 {
		count = 3
	}
	pinger.Count = count
	pinger.Timeout = timeout
	if err := pinger.Run(); err != nil {
		result.Message = fmt.Sprintf("ping: %v", err)
		return result
	}
	stats := pinger.Statistics()
	result.Passed = stats.PacketLoss <= spec.MaxPacketLoss
	if !result.Passed {
		result.Message = fmt.Sprintf("packet loss %.2f%% above %.2f%%", stats.PacketLoss, spec.MaxPacketLoss)
	}
	return result
}

func probeDNS(ctx context.Context, host string, spec *dnsProbeSpec) []AssertionResult {
	client := &dnsclient.Client{}
	msg := new(dnsclient.Msg)
	msg.SetQuestion(dnsclient.Fqdn(host), dnsTypeFromString(spec.RecordType))
	server := spec.Resolver
	if server == "" {
		server = "8.8.8.8:53"
	}
	resp, _, err := client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return []AssertionResult{{Kind: "dns_answer", Message: fmt.Sprintf("exchange: %v", err)}}
	}
	if resp == nil || resp.Rcode != dnsclient.RcodeSuccess {
		return []AssertionResult{{Kind: "dns_answer", Message: fmt.Sprintf("dns error code %d", resp.Rcode)}}
	}
	answers := resp.Answer

	var results []AssertionResult
	answerResult := AssertionResult{Kind: "dns_answer", Passed: len(answers) > 0}
	if len(spec.Answers) > 0 {
		actual := extractAnswerStrings(answers)
		answerResult.Passed = sliceContains(actual, spec.Answers)
		if !answerResult.Passed {
			answerResult.Message = fmt.Sprintf("expected any of %v, got %v", spec.Answers, actual)
		}
	} else if !answerResult.Passed {
		answerResult.Message = "no DNS answers"
	}
	results = append(results, answerResult)

	if spec.MinTTL != nil {
		ttlResult := AssertionResult{Kind: "ttl_seconds"}
		if len(answers) == 0 {
			ttlResult.Message = "no DNS answers"
		} else {
			actual := float64(answers[0].Header().Ttl)
			ttlResult.Passed = actual >= *spec.MinTTL
			if !ttlResult.Passed {
				ttlResult.Message = fmt.Sprintf("ttl %.0f below %.0f", actual, *spec.MinTTL)
			}
		}
		results = append(results, ttlResult)
	}
	return results
}

func probeTLS(host, port string, minValidDays float64, timeout time.Duration) []AssertionResult {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", net.JoinHostPort(host, port), &tls.Config{ServerName: host})
	if err != nil {
		return []AssertionResult{{Kind: "ssl_valid_days", Message: fmt.Sprintf("tls dial: %v", err)}}
	}
	defer conn.Close()
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return []AssertionResult{{Kind: "ssl_valid_days", Message: "no peer certificates"}}
	}
	cert := state.PeerCertificates[0]
	days := time.Until(cert.NotAfter).Hours() / 24

	validity := AssertionResult{Kind: "ssl_valid_days", Passed: days >= minValidDays}
	if !validity.Passed {
		validity.Message = fmt.Sprintf("cert expires in %.0f days", days)
	}
	hostname := AssertionResult{Kind: "ssl_hostname_matches"}
	if err := cert.VerifyHostname(host); err != nil {
		hostname.Message = fmt.Sprintf("hostname verify: %v", err)
	} else {
		hostname.Passed = true
	}
	return []AssertionResult{validity, hostname}
}

func probeDomainExpiry(host string, minDays float64, timeout time.Duration) AssertionResult {
	result := AssertionResult{Kind: "domain_expires_in_days"}
	server, err := whoisServerForDomain(host)
	if err != nil {
		result.Message = err.Error()
		return result
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(server, "43"), timeout)
	if err != nil {
		result.Message = fmt.Sprintf("dial whois: %v", err)
		return result
	}
	defer conn.Close()
	domain, _ := publicsuffix.EffectiveTLDPlusOne(host)
	if _, err := conn.Write([]byte(domain + "\r\n")); err != nil {
		result.Message = fmt.Sprintf("write whois: %v", err)
		return result
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	body, err := io.ReadAll(conn)
	if err != nil {
		result.Message = fmt.Sprintf("read whois: %v", err)
		return result
	}
	expiry, err := extractExpiry(string(body))
	if err != nil {
		result.Message = err.Error()
		return result
	}
	days := time.Until(expiry).Hours() / 24
	result.Passed = days >= minDays
	if !result.Passed {
		result.Message = fmt.Sprintf("domain expires in %.0f days", days)
	}
	return result
}

func extractAnswerStrings(rrs []dnsclient.RR) []string {
	values := make([]string, 0, len(rrs))
	for _, rr := range rrs {
		if a, ok := rr.(*dnsclient.A); ok {
			values = append(values, a.A.String())
		} else {
			values = append(values, rr.String())
		}
	}
	return values
}

func dnsTypeFromString(t string) uint16 {
	switch t {
	case "A", "a":
		return dnsclient.TypeA
	case "AAAA", "aaaa":
		return dnsclient.TypeAAAA
	case "CNAME", "cname":
		return dnsclient.TypeCNAME
	case "MX", "mx":
		return dnsclient.TypeMX
	case "TXT", "txt":
		return dnsclient.TypeTXT
	default:
		return dnsclient.TypeA
	}
}

var whoisExpiryRegex = regexp.MustCompile(`(?i)Expiry Date:\s*(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z)`)

func extractExpiry(body string) (time.Time, error) {
	match := whoisExpiryRegex.FindStringSubmatch(body)
	if len(match) < 2 {
		return time.Time{}, errors.New("could not locate expiry date")
	}
	t, err := time.Parse(time.RFC3339, match[1])
	if err != nil {
		return time.Time{}, fmt.Errorf("parse expiry: %w", err)
	}
	return t, nil
}

var whoisServers = map[string]string{
	"com": "whois.verisign-grs.com",
	"net": "whois.verisign-grs.com",
	"org": "whois.pir.org",
	"io":  "whois.nic.io",
}

func whoisServerForDomain(domain string) (string, error) {
	etld, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return "", fmt.Errorf("public suffix: %w", err)
	}
	suffix, _ := publicsuffix.PublicSuffix(domain)
	server, ok := whoisServers[suffix]
	if !ok {
		return "", fmt.Errorf("no known whois server for %q", etld)
	}
	return server, nil
}
