// Command citation-crawler crawls journal issues and ingests their citations.
package main

import "github.com/JakeFAU/citation-crawler/cmd"

func main() {
	cmd.Execute()
}
