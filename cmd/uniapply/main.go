package main

import (
	"uniapply-backend/cmd/uniapply/commands"
	"uniapply-backend/internal/components/serviceutil"
)

func main() {
	commands.ExecuteContext(serviceutil.SignalContext())
}
