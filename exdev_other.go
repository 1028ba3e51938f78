//go:build !unix

package main

func isEXDEV(error) bool { return false }
