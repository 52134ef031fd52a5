package main

import (
	"bytes"
	"testing"
)

// useBufferWriters 在测试期间把 stdOut/stdErr 换成内存缓冲，CLI 输出可以
// 直接断言而不污染测试日志。
func useBufferWriters(t *testing.T) {
	t.Helper()

	outBuf := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}

	prevOut := stdOut
	prevErr := stdErr

	stdOut = outBuf
	stdErr = errBuf

	t.Cleanup(func() {
		stdOut = prevOut
		stdErr = prevErr
	})
}

// stdOutBuffer 返回 useBufferWriters 生效期间的 stdout 缓冲。
func stdOutBuffer() *bytes.Buffer {
	buf, _ := stdOut.(*bytes.Buffer)
	return buf
}

// stdErrBuffer 返回 useBufferWriters 生效期间的 stderr 缓冲。
func stdErrBuffer() *bytes.Buffer {
	buf, _ := stdErr.(*bytes.Buffer)
	return buf
}
