// albert-squad fine-tunes a pretrained ALBERT model on SQuAD v1.1.
package main

import "github.com/hlml/albert-squad/internal/cli"

func main() {
	cli.Main()
}
