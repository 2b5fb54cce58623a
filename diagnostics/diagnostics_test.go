package diagnostics

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDiagnosticsSorted(t *testing.T) {
	err := &MultiError{
		Heap: "mutator-1",
		Kind: "post-gc",
		Errs: []error{
			&Error{Pos: Position{Space: "old", Region: 3, Offset: 0x40}, Msg: "dead reference"},
			&Error{Pos: Position{Space: "old", Region: 1, Offset: 0x80}, Msg: "missing rset bit"},
			&Error{Pos: Position{Space: "old", Region: 1, Offset: 0x10}, Msg: "unmarked object"},
		},
	}
	diags := CreateDiagnostics(err)
	require.Len(t, diags, 1)
	require.Equal(t, 3, diags.Len())
	got := []string{}
	for _, d := range diags[0].Diagnostics {
		got = append(got, d.Msg)
	}
	assert.Equal(t, []string{"unmarked object", "missing rset bit", "dead reference"}, got)
}

func TestWrappedError(t *testing.T) {
	inner := &Error{Pos: Position{Region: 7, Offset: 8}, Msg: "forwarded object", Object: 0x1c0008}
	err := fmt.Errorf("verify: %w", inner)
	diags := CreateDiagnostics(err)
	require.Equal(t, 1, diags.Len())
	d := diags[0].Diagnostics[0]
	assert.Equal(t, uint32(7), d.Pos.Region)
	assert.Equal(t, "verify: region 7+0x8: forwarded object", d.Msg)
}

func TestWriteTo(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "plain",
			err:  errors.New("out of memory"),
			want: "out of memory\n",
		},
		{
			name: "positioned",
			err: &MultiError{Heap: "shared", Errs: []error{
				&Error{Pos: Position{Space: "s-old", Region: 2, Offset: 0x18}, Msg: "bad slot", Object: 0x80010, Slot: 0x80018, Value: 0x9},
			}},
			want: "# shared\ns-old:region 2+0x18: bad slot [object 0x80010 slot 0x80018 -> 0x9]\n",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			CreateDiagnostics(tc.err).WriteTo(buf)
			assert.Equal(t, tc.want, buf.String())
		})
	}
}

func TestFatalHandler(t *testing.T) {
	var got error
	prev := SetFatalHandler(func(err error) { got = err })
	defer SetFatalHandler(prev)
	buf := &bytes.Buffer{}
	prevOut := SetFatalOutput(buf)
	defer SetFatalOutput(prevOut)

	Fatalf("recursive collection on heap %q", "mutator-2")
	require.Error(t, got)
	assert.Contains(t, buf.String(), "fatal error: recursive collection on heap \"mutator-2\"")
}
