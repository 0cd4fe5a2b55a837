package runner

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"

	"github.com/hostedops/deployoor/pkg/deployment"
)

// testerPackage fetches the test package of the target application version.
// In public systems, a run-scoped certificate is minted and stored on the
// run, so the tester can be authenticated until the certificate expires.
func (r *stepRunner) testerPackage(
	ctx context.Context, id deployment.RunID, version deployment.ApplicationVersion,
) ([]byte, error) {
	pkg, err := r.c.Artifacts.GetTester(ctx, id.Tester(), version)
	if err != nil {
		return nil, fmt.Errorf("fetching test package: %w", err)
	}

	if r.c.System.IsPublic() {
		certificate, err := r.mintTesterCertificate(id)
		if err != nil {
			return nil, err
		}

		if err := r.jobs.StoreTesterCertificate(ctx, id, certificate); err != nil {
			return nil, err
		}
	}

	return pkg, nil
}

// mintTesterCertificate creates a self-signed EC P-256 certificate scoped to
// this run.
func (r *stepRunner) mintTesterCertificate(id deployment.RunID) (*x509.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating tester key: %w", err)
	}

	now := r.c.Clock.Now()

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName: fmt.Sprintf("%s.%s.%d", id.Tester().FullForm(), id.Type, id.Number),
		},
		NotBefore: now,
		NotAfter:  now.Add(certificateTimeout),
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("minting tester certificate: %w", err)
	}

	certificate, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing minted tester certificate: %w", err)
	}

	return certificate, nil
}
