package replica

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		fallback ErrorKind
		want     ErrorKind
	}{
		{"client reset sentinel", fmt.Errorf("sync: %w", ErrClientReset), KindOpen, KindClientReset},
		{"bad token", ErrInvalidRecoveryToken, KindIO, KindClientReset},
		{"unauthorized", fmt.Errorf("login: %w", ErrUnauthorized), KindOpen, KindAuth},
		{"plain error uses fallback", errors.New("disk full"), KindIO, KindIO},
		{"merge fallback", errors.New("constraint"), KindMerge, KindMerge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.fallback, "op", "/tmp/p", tt.err)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Kind)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestClassify_KeepsClassifiedErrors(t *testing.T) {
	orig := NewError(KindMerge, "merge", "/p", errors.New("boom"))
	wrapped := fmt.Errorf("outer: %w", orig)

	got := Classify(KindOpen, "open", "/p", wrapped)
	assert.Same(t, orig, got)
	assert.Nil(t, Classify(KindOpen, "open", "/p", nil))
}

func TestErrorFormatting(t *testing.T) {
	assert.Equal(t, "IOError: backup /p: boom", NewError(KindIO, "backup", "/p", errors.New("boom")).Error())
	assert.Equal(t, "AuthError: login: boom", NewError(KindAuth, "login", "", errors.New("boom")).Error())
	assert.Equal(t, "OpenError: open", NewError(KindOpen, "open", "", nil).Error())
}

func TestIsKind(t *testing.T) {
	err := fmt.Errorf("x: %w", NewError(KindIO, "backup", "", nil))
	assert.True(t, IsKind(err, KindIO))
	assert.False(t, IsKind(err, KindOpen))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
}

func TestResetEvent_ConsumeOnce(t *testing.T) {
	ev := &ResetEvent{Kind: ResetKindClientReset, Token: "t"}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ev.Consume() {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.True(t, ev.Consumed())
}

func TestToken_InvalidateOnce(t *testing.T) {
	calls := 0
	tok := NewToken(func() { calls++ })
	tok.Invalidate()
	tok.Invalidate()
	assert.Equal(t, 1, calls)

	var nilTok *TokenFunc
	assert.NotPanics(t, nilTok.Invalidate)
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "cold", StrategyCold.String())
	assert.Equal(t, "warm", StrategyWarm.String())
	assert.Equal(t, "strategy(9)", Strategy(9).String())
	assert.Equal(t, "clientReset", ResetKindClientReset.String())
	assert.Equal(t, "authError", ResetKindAuth.String())
	assert.Equal(t, "other", ResetKindOther.String())
	assert.True(t, Identity{}.IsZero())
}
