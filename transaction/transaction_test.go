package transaction

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/ruteri/scep-client/cms"
	"github.com/ruteri/scep-client/cryptoutils"
	"github.com/ruteri/scep-client/interfaces"
	"github.com/ruteri/scep-client/replay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockTransport implements interfaces.Transport for testing
type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) Send(ctx context.Context, op interfaces.Operation, message []byte) ([]byte, error) {
	args := m.Called(ctx, op, message)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

// MockCodec implements interfaces.MessageCodec for testing. Decode may be given a
// func so the response can be built from the request that was actually encoded.
type MockCodec struct {
	mock.Mock
}

func (m *MockCodec) Encode(msg interfaces.PKIMessage) ([]byte, error) {
	args := m.Called(msg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockCodec) Decode(wire []byte) (interfaces.PKIMessage, error) {
	args := m.Called(wire)
	if fn, ok := args.Get(0).(func() interfaces.PKIMessage); ok {
		return fn(), args.Error(1)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(interfaces.PKIMessage), args.Error(1)
}

type keyMaterial struct {
	key     *rsa.PrivateKey
	csr     *x509.CertificateRequest
	caCert  *x509.Certificate
	payload []byte
	issued  *x509.Certificate
}

var (
	materialOnce sync.Once
	material     keyMaterial
)

func testMaterial(t *testing.T) keyMaterial {
	t.Helper()
	materialOnce.Do(func() {
		key, err := cryptoutils.GenerateRSAKey(2048)
		require.NoError(t, err)
		csrPEM, err := cryptoutils.CreateCSR(key, cryptoutils.CSROptions{Subject: pkix.Name{CommonName: "device-01"}})
		require.NoError(t, err)
		csr, err := csrPEM.GetX509CSR()
		require.NoError(t, err)

		caKey, err := cryptoutils.GenerateRSAKey(2048)
		require.NoError(t, err)
		caCert, err := cryptoutils.SelfSignedSignerCert(caKey, pkix.Name{CommonName: "Test CA"})
		require.NoError(t, err)

		issued, err := cryptoutils.SelfSignedSignerCert(key, pkix.Name{CommonName: "device-01"})
		require.NoError(t, err)
		payload, err := cms.DegenerateCertificates([]*x509.Certificate{issued})
		require.NoError(t, err)

		material = keyMaterial{key: key, csr: csr, caCert: caCert, payload: payload, issued: issued}
	})
	return material
}

type fixture struct {
	transport *MockTransport
	codec     *MockCodec
	history   *replay.History
	sent      []interfaces.PKIMessage
}

func newFixture(history *replay.History) *fixture {
	if history == nil {
		history = replay.NewHistory(replay.DefaultCapacity)
	}
	return &fixture{transport: &MockTransport{}, codec: &MockCodec{}, history: history}
}

func (f *fixture) newTransaction(t *testing.T, withCA bool) *EnrollmentTransaction {
	t.Helper()
	m := testMaterial(t)
	cfg := Config{
		Transport: f.transport,
		Codec:     f.codec,
		History:   f.history,
		CSR:       m.csr,
		Log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if withCA {
		cfg.CACert = m.caCert
	}
	txn, err := New(cfg)
	require.NoError(t, err)
	return txn
}

// respond scripts one exchange whose response is built from the encoded request.
func (f *fixture) respond(build func(req interfaces.RequestHeader) *interfaces.CertResponse) {
	f.codec.On("Encode", mock.Anything).Run(func(args mock.Arguments) {
		f.sent = append(f.sent, args.Get(0).(interfaces.PKIMessage))
	}).Return([]byte("request"), nil).Once()
	f.transport.On("Send", mock.Anything, interfaces.OpPKIOperation, []byte("request")).Return([]byte("reply"), nil).Once()
	f.codec.On("Decode", []byte("reply")).Return(func() interfaces.PKIMessage {
		return build(headerOf(f.sent[len(f.sent)-1]))
	}, nil).Once()
}

func headerOf(msg interfaces.PKIMessage) interfaces.RequestHeader {
	switch m := msg.(type) {
	case *interfaces.EnrollmentRequest:
		return m.RequestHeader
	case *interfaces.PollRequest:
		return m.RequestHeader
	default:
		panic("unexpected request type")
	}
}

func response(req interfaces.RequestHeader, status interfaces.PKIStatus) *interfaces.CertResponse {
	senderNonce := interfaces.NewNonce()
	return &interfaces.CertResponse{
		TransactionID:  req.TransactionID,
		SenderNonce:    &senderNonce,
		RecipientNonce: req.SenderNonce,
		Status:         status,
	}
}

func TestSendIssued(t *testing.T) {
	m := testMaterial(t)
	f := newFixture(nil)
	txn := f.newTransaction(t, false)

	f.respond(func(req interfaces.RequestHeader) *interfaces.CertResponse {
		resp := response(req, interfaces.StatusSuccess)
		resp.Payload = m.payload
		return resp
	})

	state, err := txn.Send(context.Background())
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateIssued, state)
	assert.Equal(t, interfaces.StateIssued, txn.State())

	certs, err := txn.Certificates()
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, m.issued.Raw, certs[0].Raw)

	_, err = txn.FailInfo()
	require.ErrorIs(t, err, interfaces.ErrState)

	sent, ok := f.sent[0].(*interfaces.EnrollmentRequest)
	require.True(t, ok)
	assert.Equal(t, interfaces.PKCSReq, sent.MessageType())
	assert.Equal(t, m.csr.Raw, sent.CertificateRequest)
	assert.True(t, sent.TransactionID.Equal(txn.ID()))

	f.codec.AssertExpectations(t)
	f.transport.AssertExpectations(t)
}

func TestSendIssuedCertificateOrder(t *testing.T) {
	m := testMaterial(t)

	tests := []struct {
		name     string
		certs    []*x509.Certificate
		expected []*x509.Certificate
	}{
		{"issued first", []*x509.Certificate{m.issued, m.caCert}, []*x509.Certificate{m.issued, m.caCert}},
		{"ca first", []*x509.Certificate{m.caCert, m.issued}, []*x509.Certificate{m.issued, m.caCert}},
		{"no match", []*x509.Certificate{m.caCert}, []*x509.Certificate{m.caCert}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := cms.DegenerateCertificates(tt.certs)
			require.NoError(t, err)

			f := newFixture(nil)
			txn := f.newTransaction(t, false)
			f.respond(func(req interfaces.RequestHeader) *interfaces.CertResponse {
				resp := response(req, interfaces.StatusSuccess)
				resp.Payload = payload
				return resp
			})

			state, err := txn.Send(context.Background())
			require.NoError(t, err)
			require.Equal(t, interfaces.StateIssued, state)

			certs, err := txn.Certificates()
			require.NoError(t, err)
			require.Len(t, certs, len(tt.expected))
			for i := range tt.expected {
				assert.Equal(t, tt.expected[i].Raw, certs[i].Raw)
			}
			if len(tt.expected) > 1 {
				assert.NoError(t, cryptoutils.VerifyCertificate(m.key, certs[0], ""))
			}
		})
	}
}

func TestSendRejected(t *testing.T) {
	f := newFixture(nil)
	txn := f.newTransaction(t, false)

	f.respond(func(req interfaces.RequestHeader) *interfaces.CertResponse {
		resp := response(req, interfaces.StatusFailure)
		resp.FailInfo = interfaces.BadMessageCheck
		return resp
	})

	state, err := txn.Send(context.Background())
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateRejected, state)

	failInfo, err := txn.FailInfo()
	require.NoError(t, err)
	assert.Equal(t, interfaces.BadMessageCheck, failInfo)
	assert.Equal(t, Rejected{FailInfo: interfaces.BadMessageCheck}, txn.Outcome())

	_, err = txn.Certificates()
	require.ErrorIs(t, err, interfaces.ErrState)
}

func TestSendPending(t *testing.T) {
	f := newFixture(nil)
	txn := f.newTransaction(t, false)

	f.respond(func(req interfaces.RequestHeader) *interfaces.CertResponse {
		return response(req, interfaces.StatusPending)
	})

	state, err := txn.Send(context.Background())
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatePending, state)

	_, err = txn.Certificates()
	require.ErrorIs(t, err, interfaces.ErrState)
	_, err = txn.FailInfo()
	require.ErrorIs(t, err, interfaces.ErrState)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(req interfaces.RequestHeader, resp *interfaces.CertResponse)
		err    error
	}{
		{
			name: "transaction id mismatch with correct nonce",
			mutate: func(_ interfaces.RequestHeader, resp *interfaces.CertResponse) {
				resp.TransactionID = interfaces.TransactionID("someone-else")
			},
			err: interfaces.ErrTransactionMismatch,
		},
		{
			name: "recipient nonce mismatch",
			mutate: func(_ interfaces.RequestHeader, resp *interfaces.CertResponse) {
				resp.RecipientNonce = interfaces.NewNonce()
			},
			err: interfaces.ErrNonceMismatch,
		},
		{
			name: "transaction id checked before nonce",
			mutate: func(_ interfaces.RequestHeader, resp *interfaces.CertResponse) {
				resp.TransactionID = interfaces.TransactionID("someone-else")
				resp.RecipientNonce = interfaces.NewNonce()
			},
			err: interfaces.ErrTransactionMismatch,
		},
		{
			name: "own nonce echoed as sender nonce is not a replay",
			mutate: func(req interfaces.RequestHeader, resp *interfaces.CertResponse) {
				resp.SenderNonce = &req.SenderNonce
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(nil)
			txn := f.newTransaction(t, false)
			f.respond(func(req interfaces.RequestHeader) *interfaces.CertResponse {
				resp := response(req, interfaces.StatusPending)
				tt.mutate(req, resp)
				return resp
			})

			_, err := txn.Send(context.Background())
			if tt.err == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.err)
			require.ErrorIs(t, err, interfaces.ErrProtocol)
		})
	}
}

func TestValidationKeepsPreviousOutcome(t *testing.T) {
	m := testMaterial(t)
	f := newFixture(nil)
	txn := f.newTransaction(t, true)

	f.respond(func(req interfaces.RequestHeader) *interfaces.CertResponse {
		resp := response(req, interfaces.StatusSuccess)
		resp.Payload = m.payload
		return resp
	})
	_, err := txn.Send(context.Background())
	require.NoError(t, err)

	f.respond(func(req interfaces.RequestHeader) *interfaces.CertResponse {
		resp := response(req, interfaces.StatusFailure)
		resp.RecipientNonce = interfaces.NewNonce()
		return resp
	})
	state, err := txn.Poll(context.Background())
	require.ErrorIs(t, err, interfaces.ErrNonceMismatch)
	assert.Equal(t, interfaces.StateIssued, state)
}

func TestCrossTransactionReplay(t *testing.T) {
	history := replay.NewHistory(replay.DefaultCapacity)
	a := newFixture(history)
	b := newFixture(history)
	txnA := a.newTransaction(t, false)
	txnB := b.newTransaction(t, false)

	replayed := interfaces.NewNonce()
	a.respond(func(req interfaces.RequestHeader) *interfaces.CertResponse {
		resp := response(req, interfaces.StatusPending)
		resp.SenderNonce = &replayed
		return resp
	})
	b.respond(func(req interfaces.RequestHeader) *interfaces.CertResponse {
		resp := response(req, interfaces.StatusFailure)
		resp.FailInfo = interfaces.BadRequest
		resp.SenderNonce = &replayed
		return resp
	})

	_, err := txnA.Send(context.Background())
	require.NoError(t, err)
	assert.True(t, history.Contains(replayed))

	state, err := txnB.Send(context.Background())
	require.ErrorIs(t, err, interfaces.ErrReplayDetected)
	assert.Equal(t, interfaces.StatePending, state)
}

func TestAbsentSenderNonceSkipsReplayCheck(t *testing.T) {
	f := newFixture(nil)
	txn := f.newTransaction(t, false)

	f.respond(func(req interfaces.RequestHeader) *interfaces.CertResponse {
		resp := response(req, interfaces.StatusPending)
		resp.SenderNonce = nil
		return resp
	})

	state, err := txn.Send(context.Background())
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatePending, state)
	assert.Equal(t, 0, f.history.Len())
}

func TestPoll(t *testing.T) {
	m := testMaterial(t)
	f := newFixture(nil)
	txn := f.newTransaction(t, true)

	f.respond(func(req interfaces.RequestHeader) *interfaces.CertResponse {
		return response(req, interfaces.StatusPending)
	})
	f.respond(func(req interfaces.RequestHeader) *interfaces.CertResponse {
		resp := response(req, interfaces.StatusSuccess)
		resp.Payload = m.payload
		return resp
	})

	state, err := txn.Send(context.Background())
	require.NoError(t, err)
	require.Equal(t, interfaces.StatePending, state)

	state, err = txn.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateIssued, state)

	require.Len(t, f.sent, 2)
	send := f.sent[0].(*interfaces.EnrollmentRequest)
	poll, ok := f.sent[1].(*interfaces.PollRequest)
	require.True(t, ok)
	assert.Equal(t, interfaces.GetCertInitial, poll.MessageType())
	assert.True(t, send.TransactionID.Equal(poll.TransactionID), "the id must be stable across exchanges")
	assert.NotEqual(t, send.SenderNonce, poll.SenderNonce, "each exchange uses a fresh nonce")
	assert.Equal(t, m.caCert.RawSubject, poll.IssuerAndSubject.Issuer)
	assert.Equal(t, m.csr.RawSubject, poll.IssuerAndSubject.Subject)
}

func TestPollWithoutCACertificate(t *testing.T) {
	f := newFixture(nil)
	txn := f.newTransaction(t, false)

	state, err := txn.Poll(context.Background())
	require.ErrorIs(t, err, interfaces.ErrState)
	assert.Equal(t, interfaces.StatePending, state)

	f.codec.AssertNotCalled(t, "Encode", mock.Anything)
	f.transport.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
}

func TestTransportError(t *testing.T) {
	f := newFixture(nil)
	txn := f.newTransaction(t, false)

	cause := errors.New("connection refused")
	f.codec.On("Encode", mock.Anything).Return([]byte("request"), nil).Once()
	f.transport.On("Send", mock.Anything, interfaces.OpPKIOperation, []byte("request")).Return(nil, cause).Once()

	state, err := txn.Send(context.Background())
	require.ErrorIs(t, err, interfaces.ErrTransport)
	require.ErrorIs(t, err, cause)
	assert.Equal(t, interfaces.StatePending, state)
	f.codec.AssertNotCalled(t, "Decode", mock.Anything)
}

func TestDecodeError(t *testing.T) {
	f := newFixture(nil)
	txn := f.newTransaction(t, false)

	f.codec.On("Encode", mock.Anything).Return([]byte("request"), nil).Once()
	f.transport.On("Send", mock.Anything, interfaces.OpPKIOperation, []byte("request")).Return([]byte("reply"), nil).Once()
	f.codec.On("Decode", []byte("reply")).Return(nil, interfaces.ErrSignatureInvalid).Once()

	_, err := txn.Send(context.Background())
	require.ErrorIs(t, err, interfaces.ErrSignatureInvalid)
}

func TestUnexpectedResponseType(t *testing.T) {
	f := newFixture(nil)
	txn := f.newTransaction(t, false)

	f.codec.On("Encode", mock.Anything).Return([]byte("request"), nil).Once()
	f.transport.On("Send", mock.Anything, interfaces.OpPKIOperation, []byte("request")).Return([]byte("reply"), nil).Once()
	f.codec.On("Decode", []byte("reply")).Return(&interfaces.PollRequest{}, nil).Once()

	_, err := txn.Send(context.Background())
	require.ErrorIs(t, err, interfaces.ErrProtocol)
}

func TestMalformedPayload(t *testing.T) {
	f := newFixture(nil)
	txn := f.newTransaction(t, false)

	f.respond(func(req interfaces.RequestHeader) *interfaces.CertResponse {
		resp := response(req, interfaces.StatusSuccess)
		resp.Payload = []byte("garbage")
		return resp
	})

	state, err := txn.Send(context.Background())
	require.ErrorIs(t, err, interfaces.ErrSignature)
	assert.Equal(t, interfaces.StatePending, state)
}

func TestTransactionIDDeterministic(t *testing.T) {
	m := testMaterial(t)
	first := newFixture(nil).newTransaction(t, false)
	second := newFixture(nil).newTransaction(t, false)

	assert.True(t, first.ID().Equal(second.ID()))

	expected, err := interfaces.TransactionIDFromPublicKey(m.csr.PublicKey, DefaultDigestAlgorithm)
	require.NoError(t, err)
	assert.True(t, expected.Equal(first.ID()))
}

func TestNewValidation(t *testing.T) {
	m := testMaterial(t)
	history := replay.NewHistory(0)

	tests := []struct {
		name string
		cfg  Config
		err  error
	}{
		{name: "no transport", cfg: Config{Codec: &MockCodec{}, History: history, CSR: m.csr}},
		{name: "no codec", cfg: Config{Transport: &MockTransport{}, History: history, CSR: m.csr}},
		{name: "no history", cfg: Config{Transport: &MockTransport{}, Codec: &MockCodec{}, CSR: m.csr}},
		{name: "no csr", cfg: Config{Transport: &MockTransport{}, Codec: &MockCodec{}, History: history}},
		{
			name: "unknown digest",
			cfg:  Config{Transport: &MockTransport{}, Codec: &MockCodec{}, History: history, CSR: m.csr, DigestAlgorithm: "WHIRLPOOL"},
			err:  interfaces.ErrUnsupportedDigest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			require.Error(t, err)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
			}
		})
	}
}

func TestExplicitTransactionID(t *testing.T) {
	m := testMaterial(t)
	id := interfaces.TransactionID("caller-assigned")

	txn, err := New(Config{Transport: &MockTransport{}, Codec: &MockCodec{}, History: replay.NewHistory(0), CSR: m.csr, ID: id})
	require.NoError(t, err)
	assert.True(t, txn.ID().Equal(id))
}

func TestExplicitTransactionIDOutsideCharset(t *testing.T) {
	m := testMaterial(t)

	txn, err := New(Config{Transport: &MockTransport{}, Codec: &MockCodec{}, History: replay.NewHistory(0), CSR: m.csr, ID: interfaces.TransactionID([]byte{0x00, 0xff, 0x10})})
	require.NoError(t, err)
	assert.Equal(t, "00ff10", txn.ID().String())
	assert.NoError(t, txn.ID().Validate())
}
