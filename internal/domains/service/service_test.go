package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/hostdomains/internal/certs"
	"github.com/jmerrifield20/hostdomains/internal/dns"
	"github.com/jmerrifield20/hostdomains/internal/domains/model"
	"github.com/jmerrifield20/hostdomains/internal/domains/repository"
	"github.com/jmerrifield20/hostdomains/internal/ledger"
	"go.uber.org/zap"
)

const serviceIP = "203.0.113.10"

// zone is a mutable fake DNS.
type zone struct {
	mu      sync.Mutex
	txt     map[string][]string
	a       map[string][]string
	err     error
	lookups int
}

func newZone() *zone {
	return &zone{txt: map[string][]string{}, a: map[string][]string{}}
}

func (z *zone) publish(fqdn, token string) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.txt[dns.DefaultVerifyPrefix+"."+fqdn] = []string{token}
	z.a[fqdn] = []string{serviceIP}
	z.a["www."+fqdn] = []string{serviceIP}
}

func (z *zone) notFound(host string) error {
	return &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func (z *zone) LookupTXT(_ context.Context, host string) ([]string, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.lookups++
	if z.err != nil {
		return nil, z.err
	}
	v, ok := z.txt[host]
	if !ok {
		return nil, z.notFound(host)
	}
	return v, nil
}

func (z *zone) LookupCNAME(_ context.Context, host string) (string, error) {
	return "", z.notFound(host)
}

func (z *zone) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.lookups++
	if z.err != nil {
		return nil, z.err
	}
	v, ok := z.a[host]
	if !ok {
		return nil, z.notFound(host)
	}
	out := make([]net.IPAddr, 0, len(v))
	for _, s := range v {
		out = append(out, net.IPAddr{IP: net.ParseIP(s)})
	}
	return out, nil
}

func (z *zone) lookupCount() int {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.lookups
}

type fakeIssuer struct {
	mu       sync.Mutex
	calls    int
	err      error
	notAfter time.Time
	block    chan struct{}
}

func (f *fakeIssuer) Issue(ctx context.Context, names []string) (*certs.Certificate, error) {
	f.mu.Lock()
	f.calls++
	n, block, err, notAfter := f.calls, f.block, f.err, f.notAfter
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &certs.Certificate{Serial: fmt.Sprintf("%x", n), NotAfter: notAfter}, nil
}

func (f *fakeIssuer) set(fn func(f *fakeIssuer)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func (f *fakeIssuer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDeployer struct {
	mu        sync.Mutex
	installed []string
	removed   []string
}

func (f *fakeDeployer) Install(_ context.Context, fqdn string, _ *certs.Certificate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installed = append(f.installed, fqdn)
	return nil
}

func (f *fakeDeployer) Remove(_ context.Context, fqdn string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, fqdn)
	return nil
}

// clock ticks one millisecond on every read so consecutive observations are
// strictly ordered.
type clock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Millisecond)
	return c.cur
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.cur = c.cur.Add(d)
	c.mu.Unlock()
}

type harness struct {
	svc      *Service
	store    *repository.MemoryStore
	zone     *zone
	issuer   *fakeIssuer
	deployer *fakeDeployer
	clock    *clock
	ledger   *ledger.MemoryLedger
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	z := newZone()
	v, err := dns.NewVerifier(z, dns.Config{ServiceIP: serviceIP, CNAMETarget: "verify.hostdomains.test"})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := &harness{
		store:    repository.NewMemoryStore(),
		zone:     z,
		issuer:   &fakeIssuer{notAfter: start.Add(90 * 24 * time.Hour)},
		deployer: &fakeDeployer{},
		clock:    &clock{cur: start},
		ledger:   ledger.NewMemory(),
	}
	h.svc = New(h.store, h.store, v, h.issuer, cfg, zap.NewNop())
	h.svc.now = h.clock.now
	h.svc.SetDeployer(h.deployer)
	h.svc.SetDependentSource(h.store)
	h.svc.SetLedger(h.ledger)
	return h
}

// peer builds a second Service over the same store, as another replica would.
func (h *harness) peer(t *testing.T, cfg Config) (*Service, *fakeIssuer) {
	t.Helper()
	v, err := dns.NewVerifier(h.zone, dns.Config{ServiceIP: serviceIP, CNAMETarget: "verify.hostdomains.test"})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	iss := &fakeIssuer{notAfter: h.issuer.notAfter}
	svc := New(h.store, h.store, v, iss, cfg, zap.NewNop())
	svc.now = h.clock.now
	svc.SetDeployer(h.deployer)
	svc.SetDependentSource(h.store)
	svc.SetLedger(h.ledger)
	return svc, iss
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.svc.Wait(ctx); err != nil {
		t.Fatalf("jobs did not finish: %v", err)
	}
}

// ready registers fqdn for owner and drives it to an active binding.
func (h *harness) ready(t *testing.T, owner, fqdn string, purpose model.Purpose) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	created, err := h.svc.Create(ctx, owner, CreateRequest{FQDN: fqdn, Purpose: purpose})
	if err != nil {
		t.Fatalf("Create(%s): %v", fqdn, err)
	}
	id := created.Domain.ID
	h.zone.publish(created.Domain.FQDN, created.Domain.VerificationToken)
	if _, err := h.svc.Verify(ctx, owner, id); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if _, err := h.svc.Retry(ctx, owner, id); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	h.wait(t)
	res, err := h.svc.CheckStatus(ctx, owner, id)
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if b := res.Domain.Binding(purpose); b == nil || !b.Active {
		t.Fatalf("binding for %s not active after check: %+v", purpose, res.Domain.Bindings)
	}
	return id
}

func wantCode(t *testing.T, err error, code model.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil error", code)
	}
	if got := model.CodeOf(err); got != code {
		t.Fatalf("code = %s, want %s (err: %v)", got, code, err)
	}
}

func TestCreate_NormalisesAndReturnsInstructions(t *testing.T) {
	h := newHarness(t, Config{})
	created, err := h.svc.Create(context.Background(), "acct-1", CreateRequest{
		FQDN:    "  Shop.Example.COM. ",
		Purpose: model.PurposeLanding,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	d := created.Domain
	if d.FQDN != "shop.example.com" {
		t.Errorf("fqdn = %q", d.FQDN)
	}
	if d.DNSStatus != model.DNSUnverified || d.SSLStatus != model.SSLNone {
		t.Errorf("status = %s/%s", d.DNSStatus, d.SSLStatus)
	}
	if d.VerificationToken == "" {
		t.Error("empty verification token")
	}
	if created.Binding.Status != model.BindingPending || created.Binding.Active {
		t.Errorf("binding = %+v", created.Binding)
	}
	if len(created.Instructions) != 3 {
		t.Fatalf("instructions = %+v", created.Instructions)
	}
	txt := created.Instructions[2]
	if txt.Type != "TXT" || txt.Host != "_hostdomains-verify.shop.example.com" || txt.Value != d.VerificationToken {
		t.Errorf("txt instruction = %+v", txt)
	}
}

func TestCreate_Rejections(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.svc.Create(ctx, "acct-1", CreateRequest{FQDN: "*.example.com", Purpose: model.PurposeLanding})
	wantCode(t, err, model.CodeInvalidDomain)

	_, err = h.svc.Create(ctx, "acct-1", CreateRequest{FQDN: "a.example.com", Purpose: "blog"})
	wantCode(t, err, model.CodeInvalidRequest)

	if _, err := h.svc.Create(ctx, "acct-1", CreateRequest{FQDN: "a.example.com", Purpose: model.PurposeLanding}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err = h.svc.Create(ctx, "acct-2", CreateRequest{FQDN: "A.example.com", Purpose: model.PurposeLanding})
	wantCode(t, err, model.CodeDomainAlreadyExists)
}

func TestCreate_RejectsSecondActivePurpose(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t, "acct-1", "one.example.com", model.PurposeLanding)

	_, err := h.svc.Create(context.Background(), "acct-1", CreateRequest{FQDN: "two.example.com", Purpose: model.PurposeLanding})
	wantCode(t, err, model.CodeDomainAlreadyExists)

	if _, err := h.svc.Create(context.Background(), "acct-1", CreateRequest{FQDN: "two.example.com", Purpose: model.PurposeURLShortener}); err != nil {
		t.Fatalf("other purpose must be allowed: %v", err)
	}
}

func TestVerify_FailureKeepsTokenAndRecordsError(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	created, _ := h.svc.Create(ctx, "acct-1", CreateRequest{FQDN: "shop.example.com", Purpose: model.PurposeLanding})
	id := created.Domain.ID
	token := created.Domain.VerificationToken

	// Ownership record present, www missing.
	h.zone.publish("shop.example.com", token)
	h.zone.mu.Lock()
	delete(h.zone.a, "www.shop.example.com")
	h.zone.mu.Unlock()

	_, err := h.svc.Verify(ctx, "acct-1", id)
	wantCode(t, err, model.CodeDNSVerificationFailed)
	if !strings.Contains(err.Error(), "A www.shop.example.com") {
		t.Errorf("error does not name the record: %v", err)
	}
	want := model.RecordRef{Type: "A", Host: "www.shop.example.com"}
	if rec := model.AsError(err).Record; rec == nil || *rec != want {
		t.Errorf("error record = %+v, want %+v", rec, want)
	}

	v, _ := h.svc.Get(ctx, "acct-1", id)
	if v.DNSStatus != model.DNSUnverified {
		t.Errorf("dns status = %s", v.DNSStatus)
	}
	if v.LastError == nil || v.LastError.Code != model.CodeDNSVerificationFailed || v.LastCheckedAt == nil {
		t.Errorf("failure not recorded: %+v", v.Domain)
	}
	if v.LastError != nil && (v.LastError.Record == nil || *v.LastError.Record != want) {
		t.Errorf("persisted record = %+v", v.LastError.Record)
	}
	if v.VerificationToken != token {
		t.Error("token changed on failed verification")
	}
	if v.Bindings[0].Status != model.BindingPending {
		t.Errorf("binding = %s", v.Bindings[0].Status)
	}

	h.zone.publish("shop.example.com", token)
	v, err = h.svc.Verify(ctx, "acct-1", id)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if v.DNSStatus != model.DNSVerified || v.LastError != nil || v.VerificationToken != token {
		t.Errorf("after verify: %+v", v.Domain)
	}
	if v.Bindings[0].Status != model.BindingDNSConfigured {
		t.Errorf("binding = %s, want dns_configured", v.Bindings[0].Status)
	}
	if len(v.Instructions) != 0 {
		t.Error("verified domain should carry no instructions")
	}
}

func TestVerify_QueryErrorAndAlreadyVerified(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	created, _ := h.svc.Create(ctx, "acct-1", CreateRequest{FQDN: "shop.example.com", Purpose: model.PurposeLanding})
	id := created.Domain.ID

	h.zone.mu.Lock()
	h.zone.err = &net.DNSError{Err: "server misbehaving", Name: "x", IsTemporary: true}
	h.zone.mu.Unlock()
	_, err := h.svc.Verify(ctx, "acct-1", id)
	wantCode(t, err, model.CodeDNSQueryError)
	if model.CodeDNSQueryError.Class() != model.ClassTransient {
		t.Error("query errors must be transient")
	}

	h.zone.mu.Lock()
	h.zone.err = nil
	h.zone.mu.Unlock()
	h.zone.publish("shop.example.com", created.Domain.VerificationToken)
	if _, err := h.svc.Verify(ctx, "acct-1", id); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	before := h.zone.lookupCount()
	if _, err := h.svc.Verify(ctx, "acct-1", id); err != nil {
		t.Fatalf("Verify again: %v", err)
	}
	if h.zone.lookupCount() != before {
		t.Error("verified domain was queried again")
	}
}

func TestOwnerScoping(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	created, _ := h.svc.Create(ctx, "acct-1", CreateRequest{FQDN: "shop.example.com", Purpose: model.PurposeLanding})

	_, err := h.svc.Get(ctx, "acct-2", created.Domain.ID)
	wantCode(t, err, model.CodeDomainNotFound)
	_, err = h.svc.Verify(ctx, "acct-2", created.Domain.ID)
	wantCode(t, err, model.CodeDomainNotFound)
	_, err = h.svc.Remove(ctx, "acct-2", created.Domain.ID, "", true)
	wantCode(t, err, model.CodeDomainNotFound)

	list, err := h.svc.List(ctx, "acct-2")
	if err != nil || len(list) != 0 {
		t.Errorf("List(acct-2) = %v, %v", list, err)
	}
}

func TestRetry_RequiresVerifiedDNS(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	created, _ := h.svc.Create(ctx, "acct-1", CreateRequest{FQDN: "shop.example.com", Purpose: model.PurposeLanding})

	_, err := h.svc.Retry(ctx, "acct-1", created.Domain.ID)
	wantCode(t, err, model.CodeInvalidRetryState)
}

func TestProvisioning_AutoStartThroughActivation(t *testing.T) {
	h := newHarness(t, Config{AutoStart: true})
	ctx := context.Background()
	created, _ := h.svc.Create(ctx, "acct-1", CreateRequest{FQDN: "shop.example.com", Purpose: model.PurposeLanding})
	id := created.Domain.ID
	h.zone.publish("shop.example.com", created.Domain.VerificationToken)

	v, err := h.svc.Verify(ctx, "acct-1", id)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if v.SSLStatus != model.SSLPending || v.Bindings[0].Status != model.BindingSSLPending {
		t.Fatalf("after verify: ssl=%s binding=%s", v.SSLStatus, v.Bindings[0].Status)
	}
	h.wait(t)

	res, err := h.svc.CheckStatus(ctx, "acct-1", id)
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if res.Status != model.CheckUpdated {
		t.Errorf("status = %s, want updated", res.Status)
	}
	b := res.Domain.Binding(model.PurposeLanding)
	if b == nil || !b.Active || b.Status != model.BindingActive || b.ActivatedAt == nil {
		t.Fatalf("binding = %+v", b)
	}
	if res.Domain.SSLStatus != model.SSLIssued || res.Domain.CertSerial == "" || res.Domain.CertExpiresAt == nil {
		t.Errorf("domain = %+v", res.Domain.Domain)
	}
	if len(h.deployer.installed) != 1 {
		t.Errorf("installs = %v", h.deployer.installed)
	}

	again, err := h.svc.CheckStatus(ctx, "acct-1", id)
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if again.Status != model.CheckUnchanged || !again.ObservedAt.After(res.ObservedAt) {
		t.Errorf("second check = %s at %v", again.Status, again.ObservedAt)
	}

	_, err = h.svc.Retry(ctx, "acct-1", id)
	wantCode(t, err, model.CodeInvalidRetryState)
}

func TestRetry_ConcurrentCallsStartOneJob(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	block := make(chan struct{})
	h.issuer.set(func(f *fakeIssuer) { f.block = block })

	created, _ := h.svc.Create(ctx, "acct-1", CreateRequest{FQDN: "shop.example.com", Purpose: model.PurposeLanding})
	id := created.Domain.ID
	h.zone.publish("shop.example.com", created.Domain.VerificationToken)
	if _, err := h.svc.Verify(ctx, "acct-1", id); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	const callers = 10
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Retry(ctx, "acct-1", id)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok, busy := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, model.ErrSSLProcessBusy):
			busy++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || busy != callers-1 {
		t.Errorf("ok=%d busy=%d", ok, busy)
	}

	close(block)
	h.wait(t)
	if n := h.issuer.callCount(); n != 1 {
		t.Errorf("issuer called %d times", n)
	}
}

func TestRetry_FailureMappingAndReset(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.issuer.set(func(f *fakeIssuer) {
		f.err = &certs.IssueError{Kind: certs.ErrValidationFailed, Err: errors.New("http-01 invalid")}
	})

	created, _ := h.svc.Create(ctx, "acct-1", CreateRequest{FQDN: "shop.example.com", Purpose: model.PurposeLanding})
	id := created.Domain.ID
	h.zone.publish("shop.example.com", created.Domain.VerificationToken)
	if _, err := h.svc.Verify(ctx, "acct-1", id); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if _, err := h.svc.Retry(ctx, "acct-1", id); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	h.wait(t)

	res, err := h.svc.CheckStatus(ctx, "acct-1", id)
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	b := res.Domain.Binding(model.PurposeLanding)
	if res.Domain.SSLStatus != model.SSLFailed || b.Status != model.BindingFailed {
		t.Fatalf("ssl=%s binding=%s", res.Domain.SSLStatus, b.Status)
	}
	if b.LastError == nil || b.LastError.Code != model.CodeSSLValidationFailed {
		t.Errorf("binding error = %+v", b.LastError)
	}

	h.issuer.set(func(f *fakeIssuer) { f.err = nil })
	v, err := h.svc.Retry(ctx, "acct-1", id)
	if err != nil {
		t.Fatalf("Retry after failure: %v", err)
	}
	if v.SSLStatus != model.SSLPending || v.Bindings[0].Status != model.BindingSSLPending || v.Bindings[0].LastError != nil {
		t.Errorf("after retry: ssl=%s binding=%+v", v.SSLStatus, v.Bindings[0])
	}
	if v.VerificationToken != created.Domain.VerificationToken {
		t.Error("retry regenerated the token")
	}
	h.wait(t)

	job, err := h.store.LatestJob(ctx, id)
	if err != nil || job.Attempt != 2 || job.Status != model.JobSucceeded {
		t.Errorf("latest job = %+v, %v", job, err)
	}
}

func TestIssuanceErrorCodes(t *testing.T) {
	bg := context.Background()
	expired, cancel := context.WithTimeout(bg, 0)
	defer cancel()
	<-expired.Done()

	cases := []struct {
		ctx  context.Context
		err  error
		want model.Code
	}{
		{bg, &certs.IssueError{Kind: certs.ErrRateLimited}, model.CodeSSLRateLimit},
		{bg, &certs.IssueError{Kind: certs.ErrValidationFailed}, model.CodeSSLValidationFailed},
		{bg, &certs.IssueError{Kind: certs.ErrDeployUnreachable}, model.CodeVPSConnectionFailed},
		{bg, errors.New("boom"), model.CodeSSLGenerationFailed},
		{expired, expired.Err(), model.CodeSSLTimeout},
	}
	for _, tc := range cases {
		if got := issuanceError(tc.ctx, tc.err).Code; got != tc.want {
			t.Errorf("issuanceError(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestRetry_JobTimeout(t *testing.T) {
	h := newHarness(t, Config{JobTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	h.issuer.set(func(f *fakeIssuer) { f.block = make(chan struct{}) })

	created, _ := h.svc.Create(ctx, "acct-1", CreateRequest{FQDN: "slow.example.com", Purpose: model.PurposeLanding})
	id := created.Domain.ID
	h.zone.publish("slow.example.com", created.Domain.VerificationToken)
	if _, err := h.svc.Verify(ctx, "acct-1", id); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if _, err := h.svc.Retry(ctx, "acct-1", id); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	h.wait(t)

	v, _ := h.svc.Get(ctx, "acct-1", id)
	if v.SSLStatus != model.SSLFailed || v.LastError == nil || v.LastError.Code != model.CodeSSLTimeout {
		t.Errorf("domain = %+v", v.Domain)
	}
}

func TestRetry_OwnerBudget(t *testing.T) {
	h := newHarness(t, Config{RatePerHour: 1, RateBurst: 1})
	ctx := context.Background()
	h.issuer.set(func(f *fakeIssuer) { f.err = errors.New("authority unavailable") })

	created, _ := h.svc.Create(ctx, "acct-1", CreateRequest{FQDN: "shop.example.com", Purpose: model.PurposeLanding})
	id := created.Domain.ID
	h.zone.publish("shop.example.com", created.Domain.VerificationToken)
	if _, err := h.svc.Verify(ctx, "acct-1", id); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if _, err := h.svc.Retry(ctx, "acct-1", id); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	h.wait(t)

	_, err := h.svc.Retry(ctx, "acct-1", id)
	wantCode(t, err, model.CodeSSLRateLimit)
	var cerr *model.Error
	if !errors.As(err, &cerr) || cerr.RetryAfter <= 0 {
		t.Errorf("RetryAfter not set: %+v", cerr)
	}

	h.clock.advance(time.Hour)
	if _, err := h.svc.Retry(ctx, "acct-1", id); err != nil {
		t.Fatalf("Retry after refill: %v", err)
	}
	h.wait(t)
}

func TestCheckStatus_CertificateExpiry(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	id := h.ready(t, "acct-1", "shop.example.com", model.PurposeLanding)

	h.clock.advance(91 * 24 * time.Hour)
	res, err := h.svc.CheckStatus(ctx, "acct-1", id)
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	b := res.Domain.Binding(model.PurposeLanding)
	if res.Domain.SSLStatus != model.SSLExpired || b.Active || b.Status != model.BindingFailed {
		t.Fatalf("ssl=%s binding=%+v", res.Domain.SSLStatus, b)
	}
	if b.LastError == nil || b.LastError.Code != model.CodeSSLExpired {
		t.Errorf("binding error = %+v", b.LastError)
	}

	_, err = h.svc.Activate(ctx, "acct-1", id, model.PurposeURLShortener, nil)
	wantCode(t, err, model.CodeDomainNotReady)

	// Expiry needs a manual retry; the poller alone does not recover it.
	again, _ := h.svc.CheckStatus(ctx, "acct-1", id)
	if again.Status != model.CheckUnchanged {
		t.Errorf("second check = %s", again.Status)
	}
	h.issuer.set(func(f *fakeIssuer) { f.notAfter = h.clock.now().Add(90 * 24 * time.Hour) })
	if _, err := h.svc.Retry(ctx, "acct-1", id); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	h.wait(t)
	res, _ = h.svc.CheckStatus(ctx, "acct-1", id)
	if b := res.Domain.Binding(model.PurposeLanding); !b.Active {
		t.Errorf("binding not reactivated: %+v", b)
	}
}

func TestActivate_SecondPurpose(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	id := h.ready(t, "acct-1", "shop.example.com", model.PurposeLanding)

	avail, err := h.svc.ListAvailableForPurpose(ctx, "acct-1", model.PurposeURLShortener)
	if err != nil {
		t.Fatalf("ListAvailableForPurpose: %v", err)
	}
	if len(avail) != 1 || avail[0].ID != id {
		t.Fatalf("available = %+v", avail)
	}
	if avail, _ := h.svc.ListAvailableForPurpose(ctx, "acct-1", model.PurposeLanding); len(avail) != 0 {
		t.Errorf("domain offered for the purpose it already serves")
	}

	target := uuid.New()
	b, err := h.svc.Activate(ctx, "acct-1", id, model.PurposeURLShortener, &target)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if !b.Active || b.Status != model.BindingActive || *b.TargetID != target {
		t.Errorf("binding = %+v", b)
	}
	if n := h.issuer.callCount(); n != 1 {
		t.Errorf("activation triggered issuance: %d calls", n)
	}

	_, err = h.svc.Activate(ctx, "acct-1", id, model.PurposeURLShortener, nil)
	wantCode(t, err, model.CodeDomainAlreadyExists)

	if avail, _ := h.svc.ListAvailableForPurpose(ctx, "acct-1", model.PurposeURLShortener); len(avail) != 0 {
		t.Errorf("available after activation = %+v", avail)
	}

	created, err := h.svc.Create(ctx, "acct-9", CreateRequest{FQDN: "new.example.com", Purpose: model.PurposeLanding})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err = h.svc.Activate(ctx, "acct-9", created.Domain.ID, model.PurposeURLShortener, nil)
	wantCode(t, err, model.CodeDomainNotReady)
}

func TestRemove_TwoPhaseWithDependents(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	id := h.ready(t, "acct-1", "shop.example.com", model.PurposeLanding)
	if _, err := h.svc.Activate(ctx, "acct-1", id, model.PurposeURLShortener, nil); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	h.store.AddDependent(id, model.Dependent{
		Kind: model.DependentShortLink, ID: uuid.New(), Label: "promo", Purpose: model.PurposeURLShortener,
	})

	impact, err := h.svc.CheckImpact(ctx, "acct-1", id, model.PurposeURLShortener)
	if err != nil {
		t.Fatalf("CheckImpact: %v", err)
	}
	if !impact.CanDeactivateOnly || len(impact.AffectedBindings) != 1 || len(impact.AffectedDependents) != 1 {
		t.Fatalf("impact = %+v", impact)
	}
	landingImpact, _ := h.svc.CheckImpact(ctx, "acct-1", id, model.PurposeLanding)
	if len(landingImpact.AffectedDependents) != 0 {
		t.Errorf("short links counted against landing: %+v", landingImpact.AffectedDependents)
	}

	before, err := h.svc.Get(ctx, "acct-1", id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	res, err := h.svc.Remove(ctx, "acct-1", id, model.PurposeURLShortener, false)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !res.RequiresConfirmation || res.Action != model.RemoveRequiresConfirmation {
		t.Fatalf("result = %+v", res)
	}
	v, _ := h.svc.Get(ctx, "acct-1", id)
	if !reflect.DeepEqual(v, before) {
		t.Fatalf("unconfirmed removal changed the domain:\nbefore %+v\nafter  %+v", before, v)
	}

	res, err = h.svc.Remove(ctx, "acct-1", id, model.PurposeURLShortener, true)
	if err != nil {
		t.Fatalf("Remove(force): %v", err)
	}
	if res.Action != model.RemoveDeactivated {
		t.Fatalf("action = %s", res.Action)
	}
	v, _ = h.svc.Get(ctx, "acct-1", id)
	if !reflect.DeepEqual(v.Domain, before.Domain) {
		t.Errorf("deactivating a purpose changed the domain row:\nbefore %+v\nafter  %+v", before.Domain, v.Domain)
	}
	if b := v.Binding(model.PurposeURLShortener); b.Active || b.Status != model.BindingRemoved || b.RemovedAt == nil {
		t.Errorf("shortener binding = %+v", b)
	}
	if got, want := v.Binding(model.PurposeLanding), before.Binding(model.PurposeLanding); !reflect.DeepEqual(got, want) {
		t.Errorf("sibling binding changed: got %+v, want %+v", got, want)
	}

	res, err = h.svc.Remove(ctx, "acct-1", id, "", false)
	if err != nil || !res.RequiresConfirmation {
		t.Fatalf("whole-domain removal should need confirmation: %+v, %v", res, err)
	}
	res, err = h.svc.Remove(ctx, "acct-1", id, "", true)
	if err != nil || res.Action != model.RemoveDeleted {
		t.Fatalf("Remove(force) = %+v, %v", res, err)
	}
	_, err = h.svc.Get(ctx, "acct-1", id)
	wantCode(t, err, model.CodeDomainNotFound)
	if len(h.deployer.removed) != 1 || h.deployer.removed[0] != "shop.example.com" {
		t.Errorf("deployer removals = %v", h.deployer.removed)
	}

	history, _ := h.ledger.History(ctx, id.String())
	if len(history) == 0 || history[len(history)-1].Action != ledger.ActionRemove {
		t.Errorf("ledger history = %+v", history)
	}
	if err := h.ledger.Verify(ctx); err != nil {
		t.Errorf("ledger chain: %v", err)
	}
}

func TestRemove_ImmediateWithoutDependents(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	created, _ := h.svc.Create(ctx, "acct-1", CreateRequest{FQDN: "shop.example.com", Purpose: model.PurposeLanding})

	res, err := h.svc.Remove(ctx, "acct-1", created.Domain.ID, model.PurposeLanding, false)
	if err != nil || res.Action != model.RemoveDeleted {
		t.Fatalf("Remove = %+v, %v", res, err)
	}
	if len(h.deployer.removed) != 0 {
		t.Error("deployer called for a domain that never had a certificate")
	}
	// The hostname is free again.
	if _, err := h.svc.Create(ctx, "acct-2", CreateRequest{FQDN: "shop.example.com", Purpose: model.PurposeLanding}); err != nil {
		t.Errorf("re-create after removal: %v", err)
	}
}

func TestRemove_CancelsRunningJob(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.issuer.set(func(f *fakeIssuer) { f.block = make(chan struct{}) })

	created, _ := h.svc.Create(ctx, "acct-1", CreateRequest{FQDN: "shop.example.com", Purpose: model.PurposeLanding})
	id := created.Domain.ID
	h.zone.publish("shop.example.com", created.Domain.VerificationToken)
	h.svc.Verify(ctx, "acct-1", id) //nolint:errcheck
	if _, err := h.svc.Retry(ctx, "acct-1", id); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if _, err := h.svc.Remove(ctx, "acct-1", id, "", true); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	h.wait(t)
	if _, err := h.store.GetDomain(ctx, id); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("domain resurrected by cancelled job: %v", err)
	}
}

func TestAdvance_IgnoresStaleObservation(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	created, _ := h.svc.Create(ctx, "acct-1", CreateRequest{FQDN: "shop.example.com", Purpose: model.PurposeLanding})
	b := created.Binding

	older := b.StatusObservedAt.Add(-time.Second)
	ok, err := h.svc.advance(ctx, &b, model.BindingDNSConfigured, older, nil)
	if err != nil || ok {
		t.Fatalf("stale advance = %v, %v", ok, err)
	}
	ok, err = h.svc.advance(ctx, &b, model.BindingDNSConfigured, h.clock.now(), nil)
	if err != nil || !ok {
		t.Fatalf("advance = %v, %v", ok, err)
	}
	ok, _ = h.svc.advance(ctx, &b, model.BindingPending, h.clock.now(), nil)
	if ok {
		t.Error("binding moved backwards")
	}
}

func TestRecoverStaleJobs(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	created, _ := h.svc.Create(ctx, "acct-1", CreateRequest{FQDN: "shop.example.com", Purpose: model.PurposeLanding})
	d := created.Domain.Domain
	d.DNSStatus = model.DNSVerified
	d.SSLStatus = model.SSLPending
	if err := h.store.UpdateDomain(ctx, &d); err != nil {
		t.Fatalf("UpdateDomain: %v", err)
	}
	if err := h.store.CreateJob(ctx, &model.CertJob{ID: uuid.New(), DomainID: d.ID, StartedAt: h.clock.now()}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	// Within its deadline the job may still be running elsewhere.
	n, err := h.svc.RecoverStaleJobs(ctx)
	if err != nil || n != 0 {
		t.Fatalf("RecoverStaleJobs before deadline = %d, %v", n, err)
	}

	h.clock.advance(h.svc.cfg.JobTimeout + 2*time.Minute)
	n, err = h.svc.RecoverStaleJobs(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RecoverStaleJobs = %d, %v", n, err)
	}
	v, _ := h.svc.Get(ctx, "acct-1", d.ID)
	if v.SSLStatus != model.SSLFailed || v.LastError.Code != model.CodeSSLTimeout {
		t.Errorf("domain = %+v", v.Domain)
	}
	if _, err := h.svc.Retry(ctx, "acct-1", d.ID); err != nil {
		t.Errorf("retry after recovery: %v", err)
	}
	h.wait(t)
}

func TestRecoverStaleJobs_LeavesPeerJobsRunning(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	peer, _ := h.peer(t, Config{})
	release := make(chan struct{})
	h.issuer.set(func(f *fakeIssuer) { f.block = release })

	created, _ := h.svc.Create(ctx, "acct-1", CreateRequest{FQDN: "shop.example.com", Purpose: model.PurposeLanding})
	id := created.Domain.ID
	h.zone.publish("shop.example.com", created.Domain.VerificationToken)
	if _, err := h.svc.Verify(ctx, "acct-1", id); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if _, err := h.svc.Retry(ctx, "acct-1", id); err != nil {
		t.Fatalf("Retry: %v", err)
	}

	// The peer starts up while the first replica is mid-issuance.
	n, err := peer.RecoverStaleJobs(ctx)
	if err != nil || n != 0 {
		t.Fatalf("peer RecoverStaleJobs = %d, %v", n, err)
	}
	_, err = peer.Retry(ctx, "acct-1", id)
	wantCode(t, err, model.CodeSSLProcessBusy)

	close(release)
	h.wait(t)

	res, err := h.svc.CheckStatus(ctx, "acct-1", id)
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if res.Domain.SSLStatus != model.SSLIssued {
		t.Fatalf("ssl = %s, last error %+v", res.Domain.SSLStatus, res.Domain.LastError)
	}
	if b := res.Domain.Binding(model.PurposeLanding); b == nil || !b.Active {
		t.Errorf("binding = %+v", b)
	}
}

func TestRetry_RestartsLostJob(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	created, _ := h.svc.Create(ctx, "acct-1", CreateRequest{FQDN: "shop.example.com", Purpose: model.PurposeLanding})
	id := created.Domain.ID
	h.zone.publish("shop.example.com", created.Domain.VerificationToken)
	if _, err := h.svc.Verify(ctx, "acct-1", id); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	// A replica that died mid-issuance leaves a pending domain and a running job.
	d, _ := h.store.GetDomain(ctx, id)
	d.SSLStatus = model.SSLPending
	if err := h.store.UpdateDomain(ctx, d); err != nil {
		t.Fatalf("UpdateDomain: %v", err)
	}
	if err := h.store.CreateJob(ctx, &model.CertJob{ID: uuid.New(), DomainID: id, StartedAt: h.clock.now()}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	_, err := h.svc.Retry(ctx, "acct-1", id)
	wantCode(t, err, model.CodeSSLProcessBusy)

	h.clock.advance(h.svc.cfg.JobTimeout + 2*time.Minute)
	res, err := h.svc.CheckStatus(ctx, "acct-1", id)
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if !strings.Contains(res.Message, "lost") {
		t.Errorf("message = %q", res.Message)
	}

	if _, err := h.svc.Retry(ctx, "acct-1", id); err != nil {
		t.Fatalf("Retry of lost job: %v", err)
	}
	h.wait(t)
	v, _ := h.svc.Get(ctx, "acct-1", id)
	if v.SSLStatus != model.SSLIssued {
		t.Errorf("ssl = %s", v.SSLStatus)
	}
}

func TestProvision_DecidesOnStoredState(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	id := h.ready(t, "acct-1", "shop.example.com", model.PurposeLanding)
	issued, _ := h.store.GetDomain(ctx, id)
	calls := h.issuer.callCount()

	// A snapshot taken while the finished job was still pending.
	snapshot := *issued
	snapshot.SSLStatus = model.SSLPending
	snapshot.CertSerial = ""

	unlock := h.svc.locks.Lock(id.String())
	_, err := h.svc.provisionLocked(ctx, &snapshot)
	unlock()
	wantCode(t, err, model.CodeInvalidRetryState)
	h.wait(t)

	if got := h.issuer.callCount(); got != calls {
		t.Errorf("issuer calls = %d, want %d", got, calls)
	}
	after, _ := h.store.GetDomain(ctx, id)
	if after.SSLStatus != model.SSLIssued || after.CertSerial != issued.CertSerial {
		t.Errorf("domain after stale provision = %s/%s, want issued/%s", after.SSLStatus, after.CertSerial, issued.CertSerial)
	}
}

func TestExpiringDomains(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	id := h.ready(t, "acct-1", "shop.example.com", model.PurposeLanding)
	h.ready(t, "acct-2", "links.example.org", model.PurposeURLShortener)

	soon, err := h.svc.ExpiringDomains(ctx, h.clock.now().Add(30*24*time.Hour))
	if err != nil {
		t.Fatalf("ExpiringDomains: %v", err)
	}
	if len(soon) != 0 {
		t.Fatalf("expected no domains expiring within 30 days, got %d", len(soon))
	}

	later, err := h.svc.ExpiringDomains(ctx, h.clock.now().Add(100*24*time.Hour))
	if err != nil {
		t.Fatalf("ExpiringDomains: %v", err)
	}
	if len(later) != 2 {
		t.Fatalf("expected both owners' domains, got %d", len(later))
	}

	h.clock.advance(91 * 24 * time.Hour)
	res, err := h.svc.Reconcile(ctx, id)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Domain.SSLStatus != model.SSLExpired {
		t.Fatalf("ssl_status = %s, want expired", res.Domain.SSLStatus)
	}
	left, err := h.svc.ExpiringDomains(ctx, h.clock.now())
	if err != nil {
		t.Fatalf("ExpiringDomains: %v", err)
	}
	if len(left) != 1 || left[0].ID == id {
		t.Fatalf("expired domain should no longer be listed: %+v", left)
	}
}
