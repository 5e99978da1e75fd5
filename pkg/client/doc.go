// Package client is the Go SDK for the hostdomains control plane.
//
// It covers the whole custom-domain lifecycle: adding a domain, publishing and
// verifying its DNS records, requesting a certificate, watching the domain
// until its binding is active, attaching it to a second purpose, and removing
// it in two phases.
//
//	c, err := client.New("https://domains.example.net",
//	    client.WithBearerToken(os.Getenv("HOSTDOMAINS_TOKEN")),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	created, err := c.Add(ctx, client.AddRequest{FQDN: "shop.example.com", Purpose: "landing"})
//	for _, r := range created.Instructions {
//	    fmt.Printf("%s %s %s\n", r.Type, r.Host, r.Value)
//	}
//
// # Errors
//
// Every failed call returns an *Error carrying the server's stable code. Branch
// on the code, never on the message:
//
//	if client.IsCode(err, client.CodeDNSVerificationFailed) { ... }
//
// # Duplicate requests
//
// Retry and CheckStatus are deduplicated per domain: a second call for the same
// domain while one is outstanding, or within the cool-down after it finished,
// fails with CodeRequestInFlight before reaching the network. Close releases
// every marker.
package client
