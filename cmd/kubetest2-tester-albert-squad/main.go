package main

import "github.com/hlml/albert-squad/internal/testers/squad"

func main() {
	squad.Main()
}
