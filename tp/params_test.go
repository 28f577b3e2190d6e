package tp

import "testing"

func TestParamsDefaultsValid(t *testing.T) {
	p := NewParams()
	if err := p.Validate(); err != nil {
		t.Errorf("NewParams should be valid, got: %v", err)
	}
	if p.StateTimeout != DefaultStateTimeout {
		t.Errorf("expected default state timeout %d, got %d", DefaultStateTimeout, p.StateTimeout)
	}
	if p.SendTimeout != DefaultSendTimeout {
		t.Errorf("expected default send timeout %d, got %d", DefaultSendTimeout, p.SendTimeout)
	}
}

func TestParamsValidateRejectsZeroes(t *testing.T) {
	p := NewParams()
	p.StateTimeout = 0
	if err := p.Validate(); err == nil {
		t.Error("expected error for zero state timeout")
	}

	p = NewParams()
	p.SendTimeout = 0
	if err := p.Validate(); err == nil {
		t.Error("expected error for zero send timeout")
	}

	p = NewParams()
	p.Clock = nil
	if err := p.Validate(); err == nil {
		t.Error("expected error for nil clock")
	}
}

func TestNewRejectsNilBus(t *testing.T) {
	if _, err := New(0x100, nil, nil, nil); err == nil {
		t.Error("expected error for nil bus")
	}
}
