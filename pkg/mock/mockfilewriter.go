package mock

import (
	"aaronromeo.com/identityswitch/pkg/utils"
)

// MockFileManager writes to the real filesystem but lets tests inject open
// and write failures. WriteErrs are consumed one per Write call; a nil entry
// lets that write through.
type MockFileManager struct {
	utils.OSFileManager

	OpenErr   error
	WriteErrs []error
	Opens     int
}

func (m *MockFileManager) OpenAppend(name string) (utils.File, error) {
	m.Opens++
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	f, err := m.OSFileManager.OpenAppend(name)
	if err != nil {
		return nil, err
	}
	return &mockFile{File: f, m: m}, nil
}

type mockFile struct {
	utils.File
	m *MockFileManager
}

func (f *mockFile) Write(p []byte) (int, error) {
	if len(f.m.WriteErrs) > 0 {
		err := f.m.WriteErrs[0]
		f.m.WriteErrs = f.m.WriteErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	return f.File.Write(p)
}
