package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/uia-bridge/internal/config"
)

func TestClassifier_Classify(t *testing.T) {
	c := DefaultClassifier()

	tests := []struct {
		name string
		line string
		want Class
	}{
		{"plain progress", "2016-03-01 10:00:00 +0000 Default: hi", ClassNormal},
		{"empty line", "", ClassNormal},
		{"locked device", "Target failed to run: Device is currently locked with a passcode.", ClassFatal},
		{"invalid target", "Instruments Usage Error : Specified target process is invalid: Foo", ClassFatal},
		{"target died", "2016-03-01 Fail: The target application appears to have died", ClassFatal},
		{"script error", "2016-03-01 10:00:00 +0000 Error: undefined is not an object", ClassWarning},
		{"benign with error marker", "Mar 1 <Error>: CGImageCreateWithImageProvider: invalid image size: 0 x 0.", ClassNormal},
		{"benign webkit", "WebKit Threading Violation - initial use of WebKit from a secondary thread.", ClassNormal},
		{"benign event horizon", "Error: Attempting to change event horizon while disengage", ClassNormal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.line))
		})
	}
}

func TestClassifier_FatalWinsOverBenign(t *testing.T) {
	c := NewClassifier(config.PatternsConfig{
		Fatal:       []string{"boom"},
		Benign:      []string{"noise"},
		ErrorMarker: "ERR",
	})

	assert.Equal(t, ClassFatal, c.Classify("noise boom"))
	assert.Equal(t, ClassNormal, c.Classify("noise ERR"))
	assert.Equal(t, ClassWarning, c.Classify("ERR something"))
	assert.Equal(t, ClassNormal, c.Classify("Error: uses custom marker only"))
}

func TestClassifier_EmptyPatternsIgnored(t *testing.T) {
	c := NewClassifier(config.PatternsConfig{Fatal: []string{""}, Benign: []string{""}})

	assert.Equal(t, config.DefaultErrorMarker, c.ErrorMarker())
	assert.Equal(t, ClassNormal, c.Classify("anything"))
	assert.Equal(t, ClassWarning, c.Classify("Error: x"))
}

func TestClass_String(t *testing.T) {
	assert.Equal(t, "normal", ClassNormal.String())
	assert.Equal(t, "warning", ClassWarning.String())
	assert.Equal(t, "fatal", ClassFatal.String())
	assert.Equal(t, "unknown", Class(42).String())
}
