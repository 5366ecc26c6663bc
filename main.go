package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"xmysql-ibd-parser/conf"
	"xmysql-ibd-parser/innodb/extract"
	"xmysql-ibd-parser/innodb/pipeline"
	"xmysql-ibd-parser/innodb/rebuild"
	"xmysql-ibd-parser/innodb/record"
	"xmysql-ibd-parser/logger"
)

const help = `Usage:
  xmysql-ibd-parser <mode> [args...]

Where <mode> is:
  1 = Decrypt only
  2 = Decompress only
  3 = Parse records
  4 = Decrypt then Decompress in a single pass
  5 = Rebuild to uncompressed

Examples:
  xmysql-ibd-parser 1 <master_key_id> <server_uuid> <keyring_file> <ibd_path> <dest_path>
  xmysql-ibd-parser 2 <in_file.ibd> <out_file>
  xmysql-ibd-parser 3 <in_file.ibd> <table_def.json> [--index=NAME|ID] [--list-indexes]
    [--format=pipe|csv|jsonl] [--output=PATH] [--with-meta] [--lob-max-bytes=N]
  xmysql-ibd-parser 4 <master_key_id> <server_uuid> <keyring_file> <ibd_path> <dest_path>
  xmysql-ibd-parser 5 <in_file.ibd> <out_file> [--sdi-json=PATH] [--target-sdi-json=PATH]
    [--index-id-map=PATH] [--cfg-out=PATH] [--target-sdi-root=N]
    [--use-target-sdi-root|--use-source-sdi-root] [--target-space-id=N]
    [--use-target-space-id|--use-source-space-id] [--target-ibd=PATH] [--validate-remap]
`

func main() {
	cfg := conf.NewCfg().Load(&conf.CommandLineArgs{
		ConfigPath: os.Getenv("IB_PARSER_CONFIG"),
	})
	logger.InitLogger(logger.LogConfig{LogPath: cfg.LogPath, LogLevel: cfg.LogLevel})
	record.SetTimezone(cfg.Timezone)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, help)
		os.Exit(1)
	}

	mode := os.Args[1]
	args := os.Args[2:]

	var err error
	switch mode {
	case "1":
		err = runDecrypt(args, false)
	case "2":
		err = runDecompress(args)
	case "3":
		err = runParse(args, cfg)
	case "4":
		err = runDecrypt(args, true)
	case "5":
		err = runRebuild(args, cfg)
	default:
		fmt.Fprint(os.Stderr, help)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "xmysql-ibd-parser: %v\n", err)
		os.Exit(1)
	}
}

func runDecrypt(args []string, thenDecompress bool) error {
	if len(args) < 5 {
		return fmt.Errorf("usage: <master_key_id> <server_uuid> <keyring_file> <ibd_path> <dest_path>")
	}
	masterKeyID, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("bad master_key_id %q", args[0])
	}
	serverUUID := args[1]
	keyringPath := args[2]
	inputPath := args[3]
	outputPath := args[4]

	if thenDecompress {
		return pipeline.DecryptThenDecompress(uint32(masterKeyID), serverUUID,
			keyringPath, inputPath, outputPath)
	}
	return pipeline.DecryptIbd(uint32(masterKeyID), serverUUID,
		keyringPath, inputPath, outputPath)
}

func runDecompress(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: <in_file.ibd> <out_file>")
	}
	return pipeline.DecompressIbd(args[0], args[1])
}

// flagValue 解析 --name=value 或 --name value 两种写法
func flagValue(args []string, i *int, name string) (string, bool, error) {
	arg := args[*i]
	prefix := name + "="
	if strings.HasPrefix(arg, prefix) {
		return arg[len(prefix):], true, nil
	}
	if arg == name {
		if *i+1 >= len(args) {
			return "", false, fmt.Errorf("%s requires a value", name)
		}
		*i++
		return args[*i], true, nil
	}
	return "", false, nil
}

func runParse(args []string, cfg *conf.Cfg) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: <in_file.ibd> <table_def.json> [--index=NAME|ID] " +
			"[--list-indexes] [--format=pipe|csv|jsonl] [--output=PATH] [--with-meta] " +
			"[--lob-max-bytes=N]")
	}

	opts := extract.Options{
		InputPath:      args[0],
		SchemaJSONPath: args[1],
		Format:         extract.FormatPipe,
		LobMaxBytes:    cfg.LobMaxBytes,
		ShowInternal:   cfg.Debug,
	}

	for i := 2; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--with-meta":
			opts.WithMeta = true
		case arg == "--list-indexes":
			opts.ListIndexes = true
		default:
			if v, ok, err := flagValue(args, &i, "--index"); err != nil {
				return err
			} else if ok {
				opts.IndexSelector = v
				opts.IndexExplicit = true
				continue
			}
			if v, ok, err := flagValue(args, &i, "--format"); err != nil {
				return err
			} else if ok {
				format, valid := extract.ParseRowFormat(v)
				if !valid {
					return fmt.Errorf("unknown format: %s", v)
				}
				opts.Format = format
				continue
			}
			if v, ok, err := flagValue(args, &i, "--output"); err != nil {
				return err
			} else if ok {
				opts.OutputPath = v
				continue
			}
			if v, ok, err := flagValue(args, &i, "--lob-max-bytes"); err != nil {
				return err
			} else if ok {
				n, err := strconv.Atoi(v)
				if err != nil || n < 0 {
					return fmt.Errorf("bad --lob-max-bytes value %q", v)
				}
				opts.LobMaxBytes = n
				continue
			}
			return fmt.Errorf("unknown argument: %s", arg)
		}
	}

	return extract.Run(opts)
}

func runRebuild(args []string, cfg *conf.Cfg) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: <in_file.ibd> <out_file> [--sdi-json=PATH] ...")
	}

	opts := rebuild.Options{
		InputPath:  args[0],
		OutputPath: args[1],
		DataDir:    cfg.DataDir,
	}

	for i := 2; i < len(args); i++ {
		arg := args[i]
		switch arg {
		case "--use-target-sdi-root":
			opts.UseTargetSdiRoot = true
			continue
		case "--use-source-sdi-root":
			opts.UseSourceSdiRoot = true
			continue
		case "--use-target-space-id":
			opts.UseTargetSpaceID = true
			continue
		case "--use-source-space-id":
			opts.UseSourceSpaceID = true
			continue
		case "--validate-remap":
			opts.ValidateRemap = true
			continue
		}

		if v, ok, err := flagValue(args, &i, "--sdi-json"); err != nil {
			return err
		} else if ok {
			opts.SourceSdiJSONPath = v
			continue
		}
		if v, ok, err := flagValue(args, &i, "--target-sdi-json"); err != nil {
			return err
		} else if ok {
			opts.TargetSdiJSONPath = v
			continue
		}
		if v, ok, err := flagValue(args, &i, "--index-id-map"); err != nil {
			return err
		} else if ok {
			opts.IndexIDMapPath = v
			continue
		}
		if v, ok, err := flagValue(args, &i, "--cfg-out"); err != nil {
			return err
		} else if ok {
			opts.CfgOutPath = v
			continue
		}
		if v, ok, err := flagValue(args, &i, "--target-sdi-root"); err != nil {
			return err
		} else if ok {
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return fmt.Errorf("bad --target-sdi-root value %q", v)
			}
			opts.TargetSdiRootOverride = uint32(n)
			opts.TargetSdiRootSet = true
			continue
		}
		if v, ok, err := flagValue(args, &i, "--target-space-id"); err != nil {
			return err
		} else if ok {
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return fmt.Errorf("bad --target-space-id value %q", v)
			}
			opts.TargetSpaceIDOverride = uint32(n)
			opts.TargetSpaceIDSet = true
			continue
		}
		if v, ok, err := flagValue(args, &i, "--target-ibd"); err != nil {
			return err
		} else if ok {
			opts.TargetIbdPath = v
			continue
		}
		return fmt.Errorf("unknown argument: %s", arg)
	}

	if opts.UseTargetSdiRoot && opts.UseSourceSdiRoot {
		return fmt.Errorf("--use-target-sdi-root and --use-source-sdi-root are mutually exclusive")
	}
	if opts.UseTargetSpaceID && opts.UseSourceSpaceID {
		return fmt.Errorf("--use-target-space-id and --use-source-space-id are mutually exclusive")
	}

	return rebuild.Rebuild(opts)
}
