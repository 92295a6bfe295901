package config

import "testing"

func TestClamp(t *testing.T) {
	tests := []struct {
		name string
		in   SessionConfig
		want SessionConfig
	}{
		{
			name: "within range unchanged",
			in:   SessionConfig{PersistenceTimeoutMS: 60_000, MaxBufferLines: 500},
			want: SessionConfig{PersistenceTimeoutMS: 60_000, MaxBufferLines: 500},
		},
		{
			name: "persistence timeout too low clamps to zero",
			in:   SessionConfig{PersistenceTimeoutMS: -5, MaxBufferLines: 500},
			want: SessionConfig{PersistenceTimeoutMS: 0, MaxBufferLines: 500},
		},
		{
			name: "persistence timeout too high clamps to max",
			in:   SessionConfig{PersistenceTimeoutMS: 99_999_999, MaxBufferLines: 500},
			want: SessionConfig{PersistenceTimeoutMS: MaxPersistenceTimeoutMS, MaxBufferLines: 500},
		},
		{
			name: "max buffer lines too low clamps to ten",
			in:   SessionConfig{PersistenceTimeoutMS: 1000, MaxBufferLines: 1},
			want: SessionConfig{PersistenceTimeoutMS: 1000, MaxBufferLines: MinMaxBufferLines},
		},
		{
			name: "max buffer lines too high clamps to ten thousand",
			in:   SessionConfig{PersistenceTimeoutMS: 1000, MaxBufferLines: 50_000},
			want: SessionConfig{PersistenceTimeoutMS: 1000, MaxBufferLines: MaxMaxBufferLines},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Clamp(tt.in)
			if got != tt.want {
				t.Errorf("Clamp(%+v) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestResolveOptionalInt(t *testing.T) {
	if got := ResolveOptionalInt(false, 0, DefaultMaxBufferLines, MinMaxBufferLines, MaxMaxBufferLines); got != DefaultMaxBufferLines {
		t.Errorf("absent value: got %d, want default %d", got, DefaultMaxBufferLines)
	}
	if got := ResolveOptionalInt(true, 20, DefaultMaxBufferLines, MinMaxBufferLines, MaxMaxBufferLines); got != 20 {
		t.Errorf("present in-range value: got %d, want 20", got)
	}
	if got := ResolveOptionalInt(true, 1, DefaultMaxBufferLines, MinMaxBufferLines, MaxMaxBufferLines); got != MinMaxBufferLines {
		t.Errorf("present out-of-range value: got %d, want clamped %d", got, MinMaxBufferLines)
	}
}

func TestDefault(t *testing.T) {
	d := Default()
	if d.PersistenceTimeoutMS != DefaultPersistenceTimeoutMS || d.MaxBufferLines != DefaultMaxBufferLines {
		t.Errorf("Default() = %+v, unexpected", d)
	}
}
