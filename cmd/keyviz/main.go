package main

import "github.com/keyviz/keyviz"

func main() {
	keyviz.Main()
}
