package common

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

var ErrNoHosts = errors.New("server list is empty")

// ReadHostList reads a newline separated list of hostnames. Blank lines are skipped.
func ReadHostList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseHostList(f)
}

func ParseHostList(r io.Reader) ([]string, error) {
	var hosts []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		host := strings.TrimSpace(scanner.Text())
		if host == "" {
			continue
		}
		hosts = append(hosts, host)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, ErrNoHosts
	}
	return hosts, nil
}

// ChooseHost lists hosts on out and keeps asking on in until a valid ordinal is entered.
// It only gives up when in runs dry.
func ChooseHost(in io.Reader, out io.Writer, hosts []string) (string, error) {
	if len(hosts) == 0 {
		return "", ErrNoHosts
	}
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprintln(out, "HERE ARE SERVER HOSTNAME LISTS:")
		for i, host := range hosts {
			fmt.Fprintf(out, "%d , %s\n", i, host)
		}
		fmt.Fprint(out, "Please chose server by id: ")

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return "", err
			}
			return "", io.ErrUnexpectedEOF
		}
		i, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
		if err != nil || i < 0 || i >= len(hosts) {
			fmt.Fprintln(out, "NO such server!!!please chose again")
			continue
		}
		return hosts[i], nil
	}
}
