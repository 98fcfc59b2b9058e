package main

import "github.com/redhat-et/delegated-secrets-demo/agent-service/cmd"

func main() {
	cmd.Execute()
}
