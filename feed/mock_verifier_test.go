package feed

import (
	"reflect"

	"github.com/golang/mock/gomock"

	"github.com/feedmesh/feedmesh/crypto"
)

// MockVerifier is a hand-written gomock double for Verifier, following the
// Recorder shape mockgen would generate (no mockgen run in this repo).
type MockVerifier struct {
	ctrl     *gomock.Controller
	recorder *MockVerifierMockRecorder
}

type MockVerifierMockRecorder struct {
	mock *MockVerifier
}

func NewMockVerifier(ctrl *gomock.Controller) *MockVerifier {
	m := &MockVerifier{ctrl: ctrl}
	m.recorder = &MockVerifierMockRecorder{m}
	return m
}

func (m *MockVerifier) EXPECT() *MockVerifierMockRecorder {
	return m.recorder
}

func (m *MockVerifier) Verify(pk crypto.PublicKey, index uint64, value []byte, proof Proof) bool {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Verify", pk, index, value, proof)
	ret0, _ := ret[0].(bool)
	return ret0
}

func (mr *MockVerifierMockRecorder) Verify(pk, index, value, proof interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Verify",
		reflect.TypeOf((*MockVerifier)(nil).Verify), pk, index, value, proof)
}
