package main

import (
	"fmt"

	"github.com/s6ptember/tasks-managment-system/internal/version"
)

// printVersion 输出网关的版本与构建提交，供部署排查用。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}
