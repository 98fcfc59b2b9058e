package main

import "github.com/redhat-et/delegated-secrets-demo/product-service/cmd"

func main() {
	cmd.Execute()
}
