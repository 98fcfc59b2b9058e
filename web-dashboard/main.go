package main

import "github.com/redhat-et/delegated-secrets-demo/web-dashboard/cmd"

func main() {
	cmd.Execute()
}
