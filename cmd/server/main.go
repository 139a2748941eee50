package main

import "github.com/supabase06-cpu/posv1/internal/cli"

func main() {
	cli.Execute()
}
