package api

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	qt "github.com/frankban/quicktest"

	"github.com/khma-io/khma-node/aggregator"
	"github.com/khma-io/khma-node/crypto"
	"github.com/khma-io/khma-node/db"
	"github.com/khma-io/khma-node/db/inmemory"
	"github.com/khma-io/khma-node/enrollment"
	"github.com/khma-io/khma-node/session"
	"github.com/khma-io/khma-node/storage"
	"github.com/khma-io/khma-node/types"
)

const testAdminKey = "test-admin-key"

func TestMain(m *testing.M) {
	DisabledLogging = true
	os.Exit(m.Run())
}

type testEnv struct {
	c   *qt.C
	srv *httptest.Server
	stg *storage.Storage
}

func newTestEnv(t *testing.T) *testEnv {
	c := qt.New(t)
	database, err := inmemory.New(db.Options{})
	c.Assert(err, qt.IsNil)
	stg := storage.New(database)
	c.Assert(stg.Migrate(), qt.IsNil)
	t.Cleanup(stg.Close)

	hasher, err := crypto.NewHasher(crypto.HasherHMAC)
	c.Assert(err, qt.IsNil)
	deriver := crypto.NewDeriver(hasher,
		[]byte("pn-secret-0123456789abcdef000000"),
		[]byte("device-secret-0123456789abcdef00"),
		[]byte("voter-secret-0123456789abcdef000"))

	a, err := New(&APIConfig{
		Storage:    stg,
		Sessions:   session.NewManager([]byte("jwt-secret-0123456789abcdef00000")),
		Enrollment: enrollment.NewEngine(stg, deriver, nil),
		Deriver:    deriver,
		Aggregator: aggregator.New(stg, false),
		AdminKey:   testAdminKey,
	})
	c.Assert(err, qt.IsNil)

	srv := httptest.NewServer(a.Router())
	t.Cleanup(srv.Close)
	return &testEnv{c: c, srv: srv, stg: stg}
}

type apiError struct {
	Error struct {
		Code       int    `json:"code"`
		Message    string `json:"message"`
		StatusCode int    `json:"statusCode"`
		RetryAfter int    `json:"retryAfter"`
	} `json:"error"`
}

// request performs a JSON round trip and decodes either the response into
// out or the error envelope.
func (e *testEnv) request(method, path, token string, body, out any) (int, *apiError) {
	e.c.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		e.c.Assert(err, qt.IsNil)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+BasePath+path, reader)
	e.c.Assert(err, qt.IsNil)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	e.c.Assert(err, qt.IsNil)
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		apiErr := &apiError{}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return resp.StatusCode, apiErr
	}
	if out != nil {
		e.c.Assert(json.NewDecoder(resp.Body).Decode(out), qt.IsNil)
	}
	return resp.StatusCode, nil
}

func (e *testEnv) admin(method, path string, body, out any) (int, *apiError) {
	e.c.Helper()
	data, err := json.Marshal(body)
	e.c.Assert(err, qt.IsNil)
	req, err := http.NewRequest(method, e.srv.URL+BasePath+path, bytes.NewReader(data))
	e.c.Assert(err, qt.IsNil)
	req.Header.Set(AdminKeyHeader, testAdminKey)
	resp, err := http.DefaultClient.Do(req)
	e.c.Assert(err, qt.IsNil)
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		apiErr := &apiError{}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return resp.StatusCode, apiErr
	}
	if out != nil {
		e.c.Assert(json.NewDecoder(resp.Body).Decode(out), qt.IsNil)
	}
	return resp.StatusCode, nil
}

// enroll walks a device through the whole enrollment pipeline.
func (e *testEnv) enroll(priv *ecdsa.PrivateKey, personalNumber string, gender types.Gender) {
	e.c.Helper()
	deviceKey := types.HexBytes(ethcrypto.CompressPubkey(&priv.PublicKey))

	sess := &EnrollmentSessionResponse{}
	status, _ := e.request("POST", EnrollmentEndpoint, "", &EnrollmentStartRequest{
		DeviceID:  "device-" + personalNumber,
		DeviceKey: deviceKey,
	}, sess)
	e.c.Assert(status, qt.Equals, http.StatusOK)
	e.c.Assert(sess.State, qt.Equals, types.EnrollmentStarted)

	status, _ = e.request("POST", "/enrollment/"+sess.ID+"/document", "", &types.DocumentData{
		PersonalNumber: personalNumber,
		BirthYear:      1990,
		Gender:         gender,
		Nationality:    "GE",
		RegionCodes:    []string{"reg_tbilisi"},
	}, sess)
	e.c.Assert(status, qt.Equals, http.StatusOK)
	e.c.Assert(sess.State, qt.Equals, types.EnrollmentDocumentOK)

	status, _ = e.request("POST", "/enrollment/"+sess.ID+"/biometrics", "", &BiometricRequest{
		LivenessScore:  0.95,
		FaceMatchScore: 0.92,
	}, sess)
	e.c.Assert(status, qt.Equals, http.StatusOK)
	e.c.Assert(sess.State, qt.Equals, types.EnrollmentIssued)
}

// login answers a challenge with the device key and returns a session token.
func (e *testEnv) login(priv *ecdsa.PrivateKey) string {
	e.c.Helper()
	deviceKey := types.HexBytes(ethcrypto.CompressPubkey(&priv.PublicKey))

	challenge := &ChallengeResponse{}
	status, _ := e.request("POST", AuthChallengeEndpoint, "", &ChallengeRequest{DeviceKey: deviceKey}, challenge)
	e.c.Assert(status, qt.Equals, http.StatusOK)

	sig, err := ethcrypto.Sign(ethcrypto.Keccak256(challenge.Nonce), priv)
	e.c.Assert(err, qt.IsNil)

	tokenResp := &TokenResponse{}
	status, _ = e.request("POST", AuthTokenEndpoint, "", &TokenRequest{
		DeviceKey: deviceKey,
		Nonce:     challenge.Nonce,
		Signature: sig,
	}, tokenResp)
	e.c.Assert(status, qt.Equals, http.StatusOK)
	return tokenResp.Token
}

// createActivePoll creates and publishes a referendum whose window is open.
func (e *testEnv) createActivePoll(audience types.AudienceRules) (*types.Poll, []*types.PollOption) {
	e.c.Helper()
	now := time.Now()
	created := &types.Poll{}
	status, _ := e.admin("POST", AdminPollsEndpoint, &AdminPollRequest{
		Title:     "Referendum on the test question",
		Type:      types.PollTypeReferendum,
		StartTime: now.Add(-time.Hour),
		EndTime:   now.Add(time.Hour),
		Audience:  audience,
		MinK:      5,
		Options:   []string{"Yes", "No"},
	}, created)
	e.c.Assert(status, qt.Equals, http.StatusOK)

	published := &types.Poll{}
	status, _ = e.admin("POST", "/admin/polls/"+created.ID+"/publish", nil, published)
	e.c.Assert(status, qt.Equals, http.StatusOK)
	e.c.Assert(published.Status, qt.Equals, types.PollStatusActive)

	options, err := e.stg.PollOptions(created.ID)
	e.c.Assert(err, qt.IsNil)
	e.c.Assert(options, qt.HasLen, 2)
	return published, options
}

func TestVotingEndToEnd(t *testing.T) {
	c := qt.New(t)
	e := newTestEnv(t)

	priv, err := ethcrypto.GenerateKey()
	c.Assert(err, qt.IsNil)
	e.enroll(priv, "01001234567", types.GenderMale)
	token := e.login(priv)

	p, options := e.createActivePoll(types.AudienceRules{})

	// the poll shows up in the eligible list
	list := &PollListResponse{}
	status, _ := e.request("GET", PollsEndpoint, token, nil, list)
	c.Assert(status, qt.Equals, http.StatusOK)
	c.Assert(list.Polls, qt.HasLen, 1)
	c.Assert(list.Polls[0].ID, qt.Equals, p.ID)

	// request the anonymous ballot
	ballot := &BallotResponse{}
	status, _ = e.request("POST", "/polls/"+p.ID+"/ballot", token, nil, ballot)
	c.Assert(status, qt.Equals, http.StatusOK)
	c.Assert(ballot.Nullifier, qt.Not(qt.HasLen), 0)

	// cast without a session token
	payload := session.VotePayload(ballot.Nonce, p.ID, options[0].ID, ballot.TimestampBucket)
	sig, err := ethcrypto.Sign(ethcrypto.Keccak256(payload), priv)
	c.Assert(err, qt.IsNil)
	cast := &CastResponse{}
	status, _ = e.request("POST", "/polls/"+p.ID+"/vote", "", &CastRequest{
		Nullifier:       ballot.Nullifier,
		OptionID:        options[0].ID,
		TimestampBucket: ballot.TimestampBucket,
		Signature:       sig,
	}, cast)
	c.Assert(status, qt.Equals, http.StatusOK)
	c.Assert(cast.ChainSeq, qt.Equals, uint64(1))

	// a second ballot request is refused, the nullifier is spent
	status, apiErr := e.request("POST", "/polls/"+p.ID+"/ballot", token, nil, nil)
	c.Assert(status, qt.Equals, http.StatusConflict)
	c.Assert(apiErr.Error.Code, qt.Equals, ErrAlreadyVoted.Code)

	// replaying the cast fails too, the issued ballot is gone
	status, apiErr = e.request("POST", "/polls/"+p.ID+"/vote", "", &CastRequest{
		Nullifier:       ballot.Nullifier,
		OptionID:        options[0].ID,
		TimestampBucket: ballot.TimestampBucket,
		Signature:       sig,
	}, nil)
	c.Assert(status, qt.Equals, http.StatusUnauthorized)
	c.Assert(apiErr.Error.Code, qt.Equals, ErrNonceExpired.Code)

	// the audit chain is public and verifies
	head := &types.ChainHead{}
	status, _ = e.request("GET", ChainHeadEndpoint, "", nil, head)
	c.Assert(status, qt.Equals, http.StatusOK)
	c.Assert(head.Seq, qt.Equals, uint64(1))

	verify := &ChainVerifyResponse{}
	status, _ = e.request("GET", ChainVerifyEndpoint, "", nil, verify)
	c.Assert(status, qt.Equals, http.StatusOK)
	c.Assert(verify.OK, qt.IsTrue)

	// a single vote stays below the anonymity floor
	results := &types.PollResults{}
	status, _ = e.request("GET", "/polls/"+p.ID+"/results", "", nil, results)
	c.Assert(status, qt.Equals, http.StatusOK)
	c.Assert(results.Released, qt.IsFalse)
	c.Assert(results.Total, qt.Equals, 0)
}

func TestCastWithoutIssuedBallot(t *testing.T) {
	c := qt.New(t)
	e := newTestEnv(t)
	p, options := e.createActivePoll(types.AudienceRules{})

	status, apiErr := e.request("POST", "/polls/"+p.ID+"/vote", "", &CastRequest{
		Nullifier:       types.HexBytes("never-issued"),
		OptionID:        options[0].ID,
		TimestampBucket: types.TimestampBucket(time.Now()),
		Signature:       make([]byte, 65),
	}, nil)
	c.Assert(status, qt.Equals, http.StatusUnauthorized)
	c.Assert(apiErr.Error.Code, qt.Equals, ErrNonceExpired.Code)
}

func TestBallotForIneligibleVoter(t *testing.T) {
	c := qt.New(t)
	e := newTestEnv(t)

	priv, err := ethcrypto.GenerateKey()
	c.Assert(err, qt.IsNil)
	e.enroll(priv, "01001234567", types.GenderMale)
	token := e.login(priv)

	p, _ := e.createActivePoll(types.AudienceRules{Gender: types.GenderFemale})

	status, apiErr := e.request("POST", "/polls/"+p.ID+"/ballot", token, nil, nil)
	c.Assert(status, qt.Equals, http.StatusForbidden)
	c.Assert(apiErr.Error.Code, qt.Equals, ErrNotEligible.Code)

	// and the poll is filtered out of the eligible list
	list := &PollListResponse{}
	status, _ = e.request("GET", PollsEndpoint, token, nil, list)
	c.Assert(status, qt.Equals, http.StatusOK)
	c.Assert(list.Polls, qt.HasLen, 0)
}

func TestCastSignatureFromWrongDevice(t *testing.T) {
	c := qt.New(t)
	e := newTestEnv(t)

	priv, err := ethcrypto.GenerateKey()
	c.Assert(err, qt.IsNil)
	e.enroll(priv, "01001234567", types.GenderMale)
	token := e.login(priv)
	p, options := e.createActivePoll(types.AudienceRules{})

	ballot := &BallotResponse{}
	status, _ := e.request("POST", "/polls/"+p.ID+"/ballot", token, nil, ballot)
	c.Assert(status, qt.Equals, http.StatusOK)

	// sign with a different key than the one the ballot was issued to
	otherPriv, err := ethcrypto.GenerateKey()
	c.Assert(err, qt.IsNil)
	payload := session.VotePayload(ballot.Nonce, p.ID, options[0].ID, ballot.TimestampBucket)
	sig, err := ethcrypto.Sign(ethcrypto.Keccak256(payload), otherPriv)
	c.Assert(err, qt.IsNil)

	status, apiErr := e.request("POST", "/polls/"+p.ID+"/vote", "", &CastRequest{
		Nullifier:       ballot.Nullifier,
		OptionID:        options[0].ID,
		TimestampBucket: ballot.TimestampBucket,
		Signature:       sig,
	}, nil)
	c.Assert(status, qt.Equals, http.StatusUnauthorized)
	c.Assert(apiErr.Error.Code, qt.Equals, ErrInvalidAttestation.Code)
}

func TestChallengePurpose(t *testing.T) {
	c := qt.New(t)
	e := newTestEnv(t)

	priv, err := ethcrypto.GenerateKey()
	c.Assert(err, qt.IsNil)
	e.enroll(priv, "01001234567", types.GenderFemale)
	deviceKey := types.HexBytes(ethcrypto.CompressPubkey(&priv.PublicKey))

	// explicit login purpose is accepted
	status, _ := e.request("POST", AuthChallengeEndpoint, "",
		&ChallengeRequest{DeviceKey: deviceKey, Purpose: "login"}, &ChallengeResponse{})
	c.Assert(status, qt.Equals, http.StatusOK)

	// vote nonces come from the ballot endpoint, not the login challenge
	status, apiErr := e.request("POST", AuthChallengeEndpoint, "",
		&ChallengeRequest{DeviceKey: deviceKey, Purpose: "vote"}, nil)
	c.Assert(status, qt.Equals, http.StatusBadRequest)
	c.Assert(apiErr.Error.Code, qt.Equals, ErrMalformedParam.Code)
}

func TestAdminKeyRequired(t *testing.T) {
	c := qt.New(t)
	e := newTestEnv(t)

	status, apiErr := e.request("GET", AdminPollsEndpoint, "", nil, nil)
	c.Assert(status, qt.Equals, http.StatusUnauthorized)
	c.Assert(apiErr.Error.Code, qt.Equals, ErrUnauthorized.Code)
}

func TestRateLimitEnvelope(t *testing.T) {
	c := qt.New(t)
	e := newTestEnv(t)

	// the auth class allows a burst of 10 per identity
	limited := false
	for i := 0; i < 12; i++ {
		status, apiErr := e.request("POST", AuthChallengeEndpoint, "",
			&ChallengeRequest{}, nil)
		if status == http.StatusTooManyRequests {
			c.Assert(apiErr.Error.Code, qt.Equals, ErrRateLimited.Code)
			c.Assert(apiErr.Error.RetryAfter > 0, qt.IsTrue,
				qt.Commentf("retryAfter missing on attempt %d", i))
			limited = true
			break
		}
		c.Assert(status, qt.Equals, http.StatusBadRequest)
	}
	c.Assert(limited, qt.IsTrue, qt.Commentf("rate limit never kicked in"))
}

func TestEnrollmentFailureMarksResponse(t *testing.T) {
	c := qt.New(t)
	e := newTestEnv(t)

	priv, err := ethcrypto.GenerateKey()
	c.Assert(err, qt.IsNil)
	deviceKey := types.HexBytes(ethcrypto.CompressPubkey(&priv.PublicKey))

	sess := &EnrollmentSessionResponse{}
	status, _ := e.request("POST", EnrollmentEndpoint, "", &EnrollmentStartRequest{
		DeviceID: "device-x", DeviceKey: deviceKey,
	}, sess)
	c.Assert(status, qt.Equals, http.StatusOK)
	status, _ = e.request("POST", "/enrollment/"+sess.ID+"/document", "", &types.DocumentData{
		PersonalNumber: "01001234567",
		BirthYear:      1990,
		Gender:         types.GenderMale,
		RegionCodes:    []string{"reg_tbilisi"},
	}, sess)
	c.Assert(status, qt.Equals, http.StatusOK)

	// failing scores: the response carries the shield marker header
	body, err := json.Marshal(&BiometricRequest{LivenessScore: 0.1, FaceMatchScore: 0.1})
	c.Assert(err, qt.IsNil)
	resp, err := http.Post(
		fmt.Sprintf("%s%s/enrollment/%s/biometrics", e.srv.URL, BasePath, sess.ID),
		"application/json", bytes.NewReader(body))
	c.Assert(err, qt.IsNil)
	defer func() { _ = resp.Body.Close() }()
	c.Assert(resp.StatusCode, qt.Equals, http.StatusOK)
	c.Assert(resp.Header.Get(BiometricFailedHeader), qt.Equals, "1")
}
