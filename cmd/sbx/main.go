package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/spf13/cobra"

	"github.com/calderat/syncbox/internal/client"
	"github.com/calderat/syncbox/internal/config"
	"github.com/calderat/syncbox/internal/logger"
)

func main() {
	root := &cobra.Command{
		Use:          "sbx <root_dir> <ipv4> <port>",
		Short:        "syncbox client: mirror a directory to a remote server",
		Args:         cobra.ExactArgs(3),
		SilenceUsage: true,
		RunE:         run,
	}
	root.Flags().String("config", "sbx.yaml", "config file path")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadClient(cfgPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	rootDir := args[0]
	if info, err := os.Stat(rootDir); err != nil || !info.IsDir() {
		return fmt.Errorf("directory parameter is not a directory")
	}
	ip := net.ParseIP(args[1])
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("ip parameter must be a valid ipv4 address")
	}
	port, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("port parameter must be an integer number")
	}
	if port < 0 || port > 65535 {
		return fmt.Errorf("port number is out of range")
	}

	eng := client.New(rootDir, fmt.Sprintf("%s:%d", ip.String(), port), client.Options{
		PollDelay:     config.Duration(cfg.PollDelay, 0),
		ReconnectWait: config.Duration(cfg.ReconnectWait, 0),
	})

	if err := eng.Connect(context.Background()); err != nil {
		return fmt.Errorf("couldn't connect to the server: %w", err)
	}
	fmt.Println("Connected")

	if err := loginLoop(eng); err != nil {
		fmt.Fprintln(os.Stderr, "Server closed connection")
		logger.Error("login failed", "error", err)
		os.Exit(255)
	}

	if !eng.NewUser() {
		mode := promptMode()
		if mode == client.RestoreOnly || mode == client.RestoreThenMonitor {
			if err := eng.RunRestore(); err != nil && !errors.Is(err, client.ErrStopped) {
				fmt.Fprintln(os.Stderr, "Server closed connection")
				logger.Error("restore failed", "error", err)
				os.Exit(255)
			}
			if mode == client.RestoreOnly {
				return nil
			}
			eng.ResetWatcherDirectory()
		} else {
			if err := eng.CheckSync(); err != nil && !errors.Is(err, client.ErrStopped) {
				fmt.Fprintln(os.Stderr, "Server closed connection")
				logger.Error("checksync failed", "error", err)
				os.Exit(255)
			}
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		eng.StartWatcher()
	}()
	go func() {
		defer wg.Done()
		eng.Run()
	}()

	fmt.Println("---------------------")
	for {
		line := promptLine("Write exit to stop: ")
		if line == "exit" {
			break
		}
	}
	eng.Stop()
	fmt.Println("Closing connection")
	wg.Wait()
	fmt.Println("Execution terminated")
	return nil
}

// loginLoop keeps prompting until the server accepts a login or signup.
func loginLoop(eng *client.Engine) error {
	for {
		choice := promptChoice("To authenticate insert 0, to signup insert 1: ", 0, 1)
		signup := choice == 1
		creds := promptCredentials(signup)
		err := eng.Login(creds, signup)
		var authErr *client.AuthError
		switch {
		case err == nil:
			fmt.Println("User authenticated")
			return nil
		case errors.As(err, &authErr):
			fmt.Println(authErr.Message)
		default:
			// transport trouble; reopen the socket and let the user retry
			if cerr := eng.Connect(context.Background()); cerr != nil {
				return cerr
			}
		}
	}
}

func promptCredentials(signup bool) client.Credentials {
	for {
		user := promptLine("Username: ")
		if user == "" {
			continue
		}
		pass := promptPassword("Password: ")
		if pass == "" {
			continue
		}
		if signup {
			confirm := promptPassword("Confirm password: ")
			if confirm != pass {
				fmt.Println("Error on password, retry")
				continue
			}
		}
		return client.Credentials{User: user, Pass: pass}
	}
}

func promptMode() client.StartupMode {
	for {
		choice := promptChoice("---------------------\n- 0 to start monitoring\n- 1 to restore data from remote server\n- 2 to restore and start monitoring\nSelect an option: ", 0, 2)
		mode := client.StartupMode(choice)
		if mode == client.RestoreOnly || mode == client.RestoreThenMonitor {
			conf := promptLine("The current content of the folder will be deleted, are you sure? (Y/n)\n")
			if conf != "Y" {
				continue
			}
		}
		switch choice {
		case 1:
			return client.RestoreOnly
		case 2:
			return client.RestoreThenMonitor
		default:
			return client.Monitor
		}
	}
}
