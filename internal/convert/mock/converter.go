package mock

import (
	"sync"

	"github.com/kiranshivaraju/roomscan/internal/convert"
)

// Call records one Convert invocation.
type Call struct {
	USDZ     []byte
	FileName string
	Opts     convert.Options
}

// MockConverter satisfies convert.Converter for testing.
type MockConverter struct {
	ConvertFunc func(usdz []byte, fileName string, opts convert.Options) convert.Result

	mu    sync.Mutex
	calls []Call
}

func (m *MockConverter) Convert(usdz []byte, fileName string, opts convert.Options) convert.Result {
	m.mu.Lock()
	m.calls = append(m.calls, Call{USDZ: usdz, FileName: fileName, Opts: opts})
	m.mu.Unlock()

	if m.ConvertFunc != nil {
		return m.ConvertFunc(usdz, fileName, opts)
	}
	return convert.Result{}
}

// Calls returns the recorded invocations.
func (m *MockConverter) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// NewMockConverter returns a MockConverter that succeeds with a fixed GLB
// payload derived from the input.
func NewMockConverter() *MockConverter {
	return &MockConverter{
		ConvertFunc: func(usdz []byte, _ string, _ convert.Options) convert.Result {
			glb := append([]byte("glTF:"), usdz...)
			return convert.Result{Success: true, GLB: glb, Digest: "mock-digest", Stats: convert.Stats{Meshes: 1}}
		},
	}
}

// NewFailingConverter returns a MockConverter that always fails with code.
func NewFailingConverter(code convert.Code, message string) *MockConverter {
	return &MockConverter{
		ConvertFunc: func(_ []byte, _ string, _ convert.Options) convert.Result {
			return convert.Result{Err: &convert.Error{Code: code, Message: message, Detail: "mock failure"}}
		},
	}
}

// NewBlockingConverter returns a MockConverter that succeeds only after
// release is closed. started receives one value per call as it begins.
func NewBlockingConverter(release <-chan struct{}, started chan<- struct{}) *MockConverter {
	inner := NewMockConverter()
	return &MockConverter{
		ConvertFunc: func(usdz []byte, fileName string, opts convert.Options) convert.Result {
			if started != nil {
				started <- struct{}{}
			}
			<-release
			return inner.ConvertFunc(usdz, fileName, opts)
		},
	}
}

// Compile-time check that MockConverter implements convert.Converter.
var _ convert.Converter = (*MockConverter)(nil)
