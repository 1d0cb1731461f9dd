package system

import (
	"context"
	"io/fs"

	"github.com/stretchr/testify/mock"
)

// MockExecutor is a testify mock for strict call expectations.
type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) Host() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockExecutor) Run(ctx context.Context, argv []string, stdin []byte) (*Result, error) {
	args := m.Called(ctx, argv, stdin)
	res, _ := args.Get(0).(*Result)
	return res, args.Error(1)
}

func (m *MockExecutor) ReadFile(ctx context.Context, path string) ([]byte, error) {
	args := m.Called(ctx, path)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (m *MockExecutor) WriteFile(ctx context.Context, path string, data []byte, perm fs.FileMode) error {
	args := m.Called(ctx, path, data, perm)
	return args.Error(0)
}

func (m *MockExecutor) Remove(ctx context.Context, path string) error {
	args := m.Called(ctx, path)
	return args.Error(0)
}

func (m *MockExecutor) Stat(ctx context.Context, path string) (*FileInfo, error) {
	args := m.Called(ctx, path)
	fi, _ := args.Get(0).(*FileInfo)
	return fi, args.Error(1)
}

func (m *MockExecutor) Chmod(ctx context.Context, path string, mode fs.FileMode) error {
	args := m.Called(ctx, path, mode)
	return args.Error(0)
}

func (m *MockExecutor) Chown(ctx context.Context, path string, uid, gid int) error {
	args := m.Called(ctx, path, uid, gid)
	return args.Error(0)
}

func (m *MockExecutor) LookupOwner(ctx context.Context, user, group string) (int, int, error) {
	args := m.Called(ctx, user, group)
	return args.Int(0), args.Int(1), args.Error(2)
}
